// Package speech talks to external speech services over HTTP. Both directions
// (speech-to-text and text-to-speech) use the OpenAI-compatible audio API that
// local servers such as whisper.cpp and Speaches expose.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Transcriber converts uploaded audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// WhisperClient calls a whisper-compatible /v1/audio/transcriptions endpoint.
type WhisperClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewWhisperClient constructs a transcription client.
func NewWhisperClient(baseURL, model string) *WhisperClient {
	return &WhisperClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Transcribe uploads the audio as multipart form data and returns the text.
func (c *WhisperClient) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("transcription service not configured")
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("copy audio: %w", err)
	}
	if c.model != "" {
		if err := mw.WriteField("model", c.model); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("transcription service: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}
