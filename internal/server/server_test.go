package server

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"polichat/internal/app"
	"polichat/internal/ratelimit"
	"polichat/internal/sysinfo"
	"polichat/pkg/ai"
	"polichat/pkg/domain"
	"polichat/pkg/store"
)

type fakeGateway struct {
	reply     string
	fragments []string
}

func (g *fakeGateway) Chat(context.Context, []domain.Message) (domain.Message, error) {
	return domain.Message{Role: domain.RoleAssistant, Content: g.reply}, nil
}

func (g *fakeGateway) ChatStream(_ context.Context, _ []domain.Message, fn func(ai.Fragment) error) error {
	for _, content := range g.fragments {
		if err := fn(ai.Fragment{Role: domain.RoleAssistant, Content: content}); err != nil {
			return err
		}
	}
	return nil
}

type fakeSearcher struct{}

func (fakeSearcher) Search(context.Context, string, int) ([]domain.Source, error) {
	return []domain.Source{{Title: "Wynik", Snippet: "opis"}}, nil
}

type fakeTranscriber struct{ text string }

func (f fakeTranscriber) Transcribe(_ context.Context, _ string, audio io.Reader) (string, error) {
	_, _ = io.Copy(io.Discard, audio)
	return f.text, nil
}

type fakeSynthesizer struct{ audio string }

func (f fakeSynthesizer) Synthesize(context.Context, string) (io.ReadCloser, string, error) {
	return io.NopCloser(strings.NewReader(f.audio)), "audio/wav", nil
}

type serverOptions struct {
	gateway *fakeGateway
	search  bool
	limiter ratelimit.Limiter
	sampler *sysinfo.Sampler
}

func newTestServer(t *testing.T, opts serverOptions) *httptest.Server {
	t.Helper()
	if opts.gateway == nil {
		opts.gateway = &fakeGateway{reply: "Cześć!"}
	}
	sessions, err := store.NewJWTSessionStore(strings.Repeat("k", 32), time.Minute,
		store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	cfg := app.Config{
		Store:       store.NewMemoryStore(),
		Sessions:    sessions,
		Gateway:     opts.gateway,
		Transcriber: fakeTranscriber{text: "przykładowa transkrypcja"},
		Synthesizer: fakeSynthesizer{audio: "RIFFxxxx"},
	}
	if opts.search {
		cfg.Searcher = fakeSearcher{}
	}
	a, err := app.New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := New(Config{
		App:         a,
		Sampler:     opts.sampler,
		AuthLimiter: opts.limiter,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func registerAndLogin(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	form := url.Values{"username": {"jan@example.com"}, "password": {"tajnehaslo1"}}
	resp, err := http.PostForm(ts.URL+"/register", form)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	resp, err = http.PostForm(ts.URL+"/token", form)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if body.TokenType != "bearer" || body.AccessToken == "" {
		t.Fatalf("unexpected token payload %+v", body)
	}
	return body.AccessToken
}

func authedRequest(t *testing.T, method, url, token string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp, err := http.Get(ts.URL + "/api/conversations")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["detail"] != "Brak autoryzacji" {
		t.Fatalf("unexpected detail %q", body["detail"])
	}
}

func TestTokenRejectsWrongPassword(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	registerAndLogin(t, ts)

	resp, err := http.PostForm(ts.URL+"/token", url.Values{
		"username": {"jan@example.com"},
		"password": {"zlehaslo99"},
	})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestChatDirectStreamsSingleFragment(t *testing.T) {
	ts := newTestServer(t, serverOptions{gateway: &fakeGateway{reply: "Stolicą Polski jest Warszawa."}})
	token := registerAndLogin(t, ts)

	req := authedRequest(t, http.MethodPost, ts.URL+"/api/chat", token,
		strings.NewReader(`{"messages":[{"role":"user","content":"Jaka jest stolica Polski?"}]}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one NDJSON line, got %d: %s", len(lines), raw)
	}
	var line struct {
		Message messagePayload `json:"message"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &line); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if line.Message.Role != domain.RoleAssistant || line.Message.Content != "Stolicą Polski jest Warszawa." {
		t.Fatalf("unexpected fragment %+v", line.Message)
	}
}

func TestChatAugmentedEmitsSearchingStatus(t *testing.T) {
	ts := newTestServer(t, serverOptions{
		gateway: &fakeGateway{
			reply:     "[SEARCH: pogoda Warszawa]",
			fragments: []string{"Jest ", "słonecznie."},
		},
		search: true,
	})
	token := registerAndLogin(t, ts)

	req := authedRequest(t, http.MethodPost, ts.URL+"/api/chat", token,
		strings.NewReader(`{"messages":[{"role":"user","content":"Jaka pogoda?"}]}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected status + 2 fragments, got %d lines: %s", len(lines), raw)
	}
	var status struct {
		Status string `json:"status"`
		Query  string `json:"query"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != "searching" || status.Query != "pogoda Warszawa" {
		t.Fatalf("unexpected status line %+v", status)
	}
}

func TestChatEmptyMessagesRejected(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	token := registerAndLogin(t, ts)

	req := authedRequest(t, http.MethodPost, ts.URL+"/api/chat", token,
		strings.NewReader(`{"messages":[]}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConversationLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, serverOptions{gateway: &fakeGateway{reply: "Powitanie"}})
	token := registerAndLogin(t, ts)

	req := authedRequest(t, http.MethodPost, ts.URL+"/api/conversations", token,
		strings.NewReader(`{"id":"new","messages":[{"role":"user","content":"Hello"}]}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	var saved struct {
		Status         string `json:"status"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
		t.Fatalf("decode save: %v", err)
	}
	resp.Body.Close()
	if saved.Status != "success" || saved.ConversationID == "new" || saved.ConversationID == "" {
		t.Fatalf("unexpected save response %+v", saved)
	}

	req = authedRequest(t, http.MethodGet, ts.URL+"/api/conversations", token, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listed []conversationSummary
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(listed) != 1 || listed[0].ID != saved.ConversationID {
		t.Fatalf("unexpected list %+v", listed)
	}

	req = authedRequest(t, http.MethodGet, ts.URL+"/api/conversations/"+saved.ConversationID, token, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got conversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode get: %v", err)
	}
	resp.Body.Close()
	if len(got.Messages) != 1 || got.Messages[0].Content != "Hello" {
		t.Fatalf("round trip mismatch %+v", got)
	}

	req = authedRequest(t, http.MethodDelete, ts.URL+"/api/conversations/"+saved.ConversationID, token, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	req = authedRequest(t, http.MethodGet, ts.URL+"/api/conversations/"+saved.ConversationID, token, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["detail"] != "Nie znaleziono rozmowy" {
		t.Fatalf("unexpected detail %q", body["detail"])
	}
}

func TestStatsEndpointIsPublic(t *testing.T) {
	ts := newTestServer(t, serverOptions{sampler: sysinfo.NewSampler(nil)})

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	var body struct {
		CPU  float64         `json:"cpu"`
		RAM  float64         `json:"ram"`
		VRAM json.RawMessage `json:"vram"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if body.RAM <= 0 || body.RAM > 100 {
		t.Fatalf("ram out of range: %v", body.RAM)
	}
	if string(body.VRAM) != `"N/A"` {
		t.Fatalf("expected N/A vram without GPU, got %s", body.VRAM)
	}
}

func TestTranscribeMultipart(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	token := registerAndLogin(t, ts)

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "nagranie.wav")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write([]byte("RIFFxxxxWAVE"))
	mw.Close()

	req := authedRequest(t, http.MethodPost, ts.URL+"/api/transcribe", token, strings.NewReader(buf.String()))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["transcription"] != "przykładowa transkrypcja" {
		t.Fatalf("unexpected transcription %q", body["transcription"])
	}
}

func TestSynthesizeStreamsAudio(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	token := registerAndLogin(t, ts)

	req := authedRequest(t, http.MethodPost, ts.URL+"/api/synthesize", token,
		strings.NewReader(`{"text":"Dzień dobry"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type = %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != "RIFFxxxx" {
		t.Fatalf("unexpected audio body %q", raw)
	}

	req = authedRequest(t, http.MethodPost, ts.URL+"/api/synthesize", token,
		strings.NewReader(`{"text":"  "}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("synthesize empty: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAuthRoutesRateLimited(t *testing.T) {
	limiter, err := ratelimit.NewMemoryFixedWindowLimiter(2, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	ts := newTestServer(t, serverOptions{limiter: limiter})

	form := url.Values{"username": {"jan@example.com"}, "password": {"tajnehaslo1"}}
	for i := 0; i < 2; i++ {
		resp, err := http.PostForm(ts.URL+"/token", form)
		if err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("request %d should be within quota", i)
		}
	}
	resp, err := http.PostForm(ts.URL+"/token", form)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	token := registerAndLogin(t, ts)

	req := authedRequest(t, http.MethodGet, ts.URL+"/api/me", token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d before logout", resp.StatusCode)
	}

	req = authedRequest(t, http.MethodPost, ts.URL+"/api/logout", token, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}

	req = authedRequest(t, http.MethodGet, ts.URL+"/api/me", token, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("me after logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token must be rejected, status = %d", resp.StatusCode)
	}

	// Logout without a token is itself unauthorized.
	resp, err = http.Post(ts.URL+"/api/logout", "application/json", nil)
	if err != nil {
		t.Fatalf("anonymous logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	registerAndLogin(t, ts)

	resp, err := http.PostForm(ts.URL+"/register", url.Values{
		"username": {"jan@example.com"},
		"password": {"innehaslo22"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["detail"] != "Ten adres e-mail jest już zarejestrowany" {
		t.Fatalf("unexpected detail %q", body["detail"])
	}
}
