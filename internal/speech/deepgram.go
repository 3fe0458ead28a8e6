package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const deepgramAPIURL = "https://api.deepgram.com/v1/listen"

// DeepgramSTT is the primary speech-to-text provider, using Deepgram's
// prerecorded API: the telephony provider's recording URL is handed to
// Deepgram directly, no audio passes through this process.
type DeepgramSTT struct {
	apiKey     string
	model      string
	language   string
	baseURL    string
	httpClient *http.Client
}

// DeepgramConfig holds configuration for the Deepgram client.
type DeepgramConfig struct {
	APIKey     string
	Model      string // e.g., "nova-3"
	Language   string // e.g., "en"
	BaseURL    string // override for tests
	HTTPClient *http.Client
}

// NewDeepgramSTT creates a new Deepgram prerecorded STT client.
func NewDeepgramSTT(cfg DeepgramConfig) *DeepgramSTT {
	model := cfg.Model
	if model == "" {
		model = "nova-3"
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = deepgramAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &DeepgramSTT{
		apiKey:     cfg.APIKey,
		model:      model,
		language:   language,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (c *DeepgramSTT) Name() string { return "deepgram" }

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe sends the recording URL to Deepgram and returns the top
// alternative with its confidence.
func (c *DeepgramSTT) Transcribe(ctx context.Context, audioURL string) (Transcript, error) {
	url := fmt.Sprintf("%s?model=%s&language=%s&punctuate=true", c.baseURL, c.model, c.language)

	body, err := json.Marshal(map[string]string{"url": audioURL})
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Token "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Transcript{}, fmt.Errorf("Deepgram API error: %s - %s", resp.Status, string(respBody))
	}

	var dgResp deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&dgResp); err != nil {
		return Transcript{}, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(dgResp.Results.Channels) == 0 || len(dgResp.Results.Channels[0].Alternatives) == 0 {
		return Transcript{}, fmt.Errorf("no transcription alternatives in response")
	}

	alt := dgResp.Results.Channels[0].Alternatives[0]
	return Transcript{Text: alt.Transcript, Confidence: alt.Confidence}, nil
}
