package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

const openaiBaseURL = "https://api.openai.com/v1"

// OpenAISpeech is the fallback provider for both directions: TTS via the
// audio/speech endpoint, STT via Whisper. Whisper has no URL intake, so
// the recording is fetched first and uploaded as multipart.
type OpenAISpeech struct {
	apiKey     string
	ttsModel   string
	ttsVoice   string
	sttModel   string
	baseURL    string
	httpClient *http.Client
}

// OpenAISpeechConfig holds configuration for the OpenAI speech client.
type OpenAISpeechConfig struct {
	APIKey     string
	TTSModel   string // e.g., "tts-1"
	TTSVoice   string // e.g., "alloy"
	STTModel   string // e.g., "whisper-1"
	BaseURL    string // override for tests
	HTTPClient *http.Client
}

// NewOpenAISpeech creates a new OpenAI speech client.
func NewOpenAISpeech(cfg OpenAISpeechConfig) *OpenAISpeech {
	ttsModel := cfg.TTSModel
	if ttsModel == "" {
		ttsModel = "tts-1"
	}
	ttsVoice := cfg.TTSVoice
	if ttsVoice == "" {
		ttsVoice = "alloy"
	}
	sttModel := cfg.STTModel
	if sttModel == "" {
		sttModel = "whisper-1"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAISpeech{
		apiKey:     cfg.APIKey,
		ttsModel:   ttsModel,
		ttsVoice:   ttsVoice,
		sttModel:   sttModel,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (c *OpenAISpeech) Name() string { return "openai" }

// Synthesize converts text to speech. OpenAI cannot emit μ-law directly;
// wav output is requested and the telephony provider transcodes on play.
func (c *OpenAISpeech) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if voice == "" {
		voice = c.ttsVoice
	}

	body, err := json.Marshal(map[string]string{
		"model":           c.ttsModel,
		"voice":           voice,
		"input":           text,
		"response_format": "wav",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("OpenAI API error: %s - %s", resp.Status, string(respBody))
	}

	return io.ReadAll(resp.Body)
}

// Transcribe fetches the recording and runs it through Whisper. Whisper
// returns no confidence score; a fixed mid-high value is reported so the
// engine treats a successful fallback transcription as usable.
func (c *OpenAISpeech) Transcribe(ctx context.Context, audioURL string) (Transcript, error) {
	audio, err := c.fetchRecording(ctx, audioURL)
	if err != nil {
		return Transcript{}, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "recording.wav")
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return Transcript{}, fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.WriteField("model", c.sttModel); err != nil {
		return Transcript{}, fmt.Errorf("failed to write form field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, fmt.Errorf("failed to close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Transcript{}, fmt.Errorf("OpenAI API error: %s - %s", resp.Status, string(respBody))
	}

	var whisperResp struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&whisperResp); err != nil {
		return Transcript{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return Transcript{Text: whisperResp.Text, Confidence: 0.8}, nil
}

func (c *OpenAISpeech) fetchRecording(ctx context.Context, audioURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", audioURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recording fetch returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
