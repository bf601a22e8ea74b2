package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"polichat/pkg/domain"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaClient calls the Ollama HTTP API with a fixed chat model.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaClient constructs a client for the given base URL and model.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &OllamaClient{
		baseURL: baseURL,
		model:   model,
		// No timeout on the client: streamed completions run for as long as
		// the model keeps producing tokens. Callers bound calls via ctx.
		httpClient: &http.Client{},
	}
}

// Chat performs a non-streaming /api/chat call and returns the full reply.
func (c *OllamaClient) Chat(ctx context.Context, messages []domain.Message) (domain.Message, error) {
	model := strings.TrimSpace(c.model)
	if model == "" {
		return domain.Message{}, fmt.Errorf("ollama chat model required")
	}
	reqBody := ollamaChatRequest{
		Model:    model,
		Messages: toWireMessages(messages),
		Stream:   false,
	}
	var resp ollamaChatResponse
	if err := c.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return domain.Message{}, fmt.Errorf("ollama chat: %w", err)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return domain.Message{}, fmt.Errorf("empty response from ollama")
	}
	return domain.Message{Role: domain.Role(resp.Message.Role), Content: resp.Message.Content}, nil
}

// ChatStream performs a streaming /api/chat call. Each NDJSON chunk is
// forwarded to fn; a non-nil error from fn aborts the stream. There is no
// retry, a transport failure truncates the stream.
func (c *OllamaClient) ChatStream(ctx context.Context, messages []domain.Message, fn func(Fragment) error) error {
	model := strings.TrimSpace(c.model)
	if model == "" {
		return fmt.Errorf("ollama chat model required")
	}
	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: toWireMessages(messages),
		Stream:   true,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama chat stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ollama chat stream: %s", decodeError(resp))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		role := domain.Role(chunk.Message.Role)
		if role == "" {
			role = domain.RoleAssistant
		}
		if err := fn(Fragment{Role: role, Content: chunk.Message.Content, Done: chunk.Done}); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
	return scanner.Err()
}

func (c *OllamaClient) doJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ollama api error: %s", decodeError(resp))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) string {
	var errResp ollamaErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	if errResp.Error != "" {
		return errResp.Error
	}
	return resp.Status
}

func toWireMessages(messages []domain.Message) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, ollamaChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// Ollama /api/chat request/response types.

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

var _ ModelGateway = (*OllamaClient)(nil)
