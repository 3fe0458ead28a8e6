package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIClassifier implements Classifier using OpenAI's chat completions API.
// The model is constrained to the step's finite label set; free-form output
// is never propagated.
type OpenAIClassifier struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// OpenAIConfig holds configuration for the OpenAI classifier.
type OpenAIConfig struct {
	APIKey     string
	Model      string // e.g., "gpt-4o-mini"
	HTTPClient *http.Client
}

// NewOpenAIClassifier creates a new OpenAI classifier.
func NewOpenAIClassifier(cfg OpenAIConfig) *OpenAIClassifier {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIClassifier{
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: httpClient,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify asks the model to pick exactly one label from the allowed set.
func (c *OpenAIClassifier) Classify(ctx context.Context, req Request, allowed []Label) (Label, error) {
	labels := make([]string, len(allowed))
	for i, l := range allowed {
		labels[i] = string(l)
	}

	system := fmt.Sprintf(
		"You classify a phone customer's answer to a question. "+
			"Respond with exactly one word from this list and nothing else: %s. "+
			"If the answer does not clearly fit, respond with: unknown.",
		strings.Join(labels, ", "))
	user := fmt.Sprintf("Question: %s\nCustomer's answer: %s", req.Question, req.Transcript)

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
		MaxTokens:   5,
	})
	if err != nil {
		return LabelUnknown, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", openaiAPIURL, bytes.NewReader(body))
	if err != nil {
		return LabelUnknown, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return LabelUnknown, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return LabelUnknown, fmt.Errorf("OpenAI API error: %s - %s", resp.Status, string(respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return LabelUnknown, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return LabelUnknown, fmt.Errorf("no choices in response")
	}

	raw := strings.ToLower(strings.TrimSpace(chatResp.Choices[0].Message.Content))
	raw = strings.Trim(raw, `"'.`)
	return Label(raw), nil
}
