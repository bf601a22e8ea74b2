package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Synthesizer renders text into spoken audio.
type Synthesizer interface {
	// Synthesize returns the audio stream and its content type.
	// The caller must close the returned reader.
	Synthesize(ctx context.Context, text string) (io.ReadCloser, string, error)
}

// TTSClient calls an OpenAI-compatible /v1/audio/speech endpoint.
type TTSClient struct {
	baseURL    string
	model      string
	voice      string
	httpClient *http.Client
}

// NewTTSClient constructs a synthesis client.
func NewTTSClient(baseURL, model, voice string) *TTSClient {
	return &TTSClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:      model,
		voice:      voice,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type speechRequest struct {
	Model          string `json:"model,omitempty"`
	Input          string `json:"input"`
	Voice          string `json:"voice,omitempty"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize posts the text and returns the raw audio body.
func (c *TTSClient) Synthesize(ctx context.Context, text string) (io.ReadCloser, string, error) {
	if c.baseURL == "" {
		return nil, "", fmt.Errorf("synthesis service not configured")
	}
	if strings.TrimSpace(text) == "" {
		return nil, "", fmt.Errorf("synthesis text required")
	}
	body, err := json.Marshal(speechRequest{
		Model:          c.model,
		Input:          text,
		Voice:          c.voice,
		ResponseFormat: "wav",
	})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("synthesis request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("synthesis service: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/wav"
	}
	return resp.Body, contentType, nil
}
