package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"polichat/internal/app"
	"polichat/internal/ratelimit"
	"polichat/internal/sysinfo"
	"polichat/internal/util"
	"polichat/pkg/auth"
	"polichat/pkg/domain"
)

const maxBodyBytes = 1 << 20

// Polish user-facing error messages.
const (
	detailUnauthorized     = "Brak autoryzacji"
	detailInvalidBody      = "Nieprawidłowe dane żądania"
	detailMessagesRequired = "Wiadomości są wymagane"
	detailTextRequired     = "Pole text jest wymagane"
	detailFileRequired     = "Plik audio jest wymagany"
	detailConversationGone = "Nie znaleziono rozmowy"
	detailEmailTaken       = "Ten adres e-mail jest już zarejestrowany"
	detailBadCredentials   = "Nieprawidłowy e-mail lub hasło"
	detailPasswordTooShort = "Hasło musi mieć co najmniej 8 znaków"
	detailTooManyRequests  = "Zbyt wiele żądań, spróbuj ponownie później"
	detailMethodNotAllowed = "Metoda niedozwolona"
	detailStatsUnavailable = "Nie udało się odczytać statystyk systemu"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Sampler        *sysinfo.Sampler
	AuthLimiter    ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	CORSOrigin     string
}

// Server exposes the chatbot HTTP API.
type Server struct {
	app         *app.App
	sampler     *sysinfo.Sampler
	authLimiter ratelimit.Limiter
	trusted     *util.TrustedProxies
	corsOrigin  string
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:         cfg.App,
		sampler:     cfg.Sampler,
		authLimiter: cfg.AuthLimiter,
		trusted:     cfg.TrustedProxies,
		corsOrigin:  cfg.CORSOrigin,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.corsOrigin, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/register", s.withAuthRateLimit(s.handleRegister))
	s.mux.HandleFunc("/token", s.withAuthRateLimit(s.handleToken))
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.Handle("/api/chat", s.withUser(s.handleChat))
	s.mux.Handle("/api/conversations", s.withUser(s.handleConversations))
	s.mux.Handle("/api/conversations/", s.withUser(s.handleConversationByID))
	s.mux.Handle("/api/transcribe", s.withUser(s.handleTranscribe))
	s.mux.Handle("/api/synthesize", s.withUser(s.handleSynthesize))
	s.mux.Handle("/api/me", s.withUser(s.handleMe))
	s.mux.HandleFunc("/api/logout", s.handleLogout)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, detailUnauthorized)
			return
		}
		user, err := s.app.UserFromToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, detailUnauthorized)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) withAuthRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authLimiter != nil && !s.authLimiter.Allow(util.ClientIP(r, s.trusted)) {
			writeError(w, http.StatusTooManyRequests, detailTooManyRequests)
			return
		}
		next(w, r)
	}
}

type messagePayload struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

type chatRequest struct {
	Messages     []messagePayload `json:"messages"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
}

// ndjsonSink streams turn events as newline-delimited JSON. Once the first
// line is written the status code is committed, so later failures can only
// truncate the stream.
type ndjsonSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *ndjsonSink) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !s.started {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *ndjsonSink) Fragment(role domain.Role, content string) error {
	return s.writeLine(map[string]messagePayload{
		"message": {Role: role, Content: content},
	})
}

func (s *ndjsonSink) Searching(query string) error {
	return s.writeLine(map[string]string{"status": "searching", "query": query})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, detailInvalidBody)
		return
	}
	messages := make([]domain.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, domain.Message{Role: m.Role, Content: m.Content})
	}

	flusher, _ := w.(http.Flusher)
	sink := &ndjsonSink{w: w, flusher: flusher}
	err := s.app.ChatTurn(r.Context(), user.ID, messages, req.SystemPrompt, sink)
	if err == nil {
		return
	}
	if sink.started {
		// Headers are gone; the truncated stream is all we can signal.
		util.LoggerFromContext(r.Context()).Error("chat stream aborted", "error", err)
		return
	}
	switch {
	case errors.Is(err, app.ErrEmptyMessages):
		writeError(w, http.StatusBadRequest, detailMessagesRequired)
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

type conversationSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type saveConversationRequest struct {
	ID           string           `json:"id"`
	Messages     []messagePayload `json:"messages"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.app.ListConversations(user.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]conversationSummary, 0, len(items))
		for _, c := range items {
			out = append(out, conversationSummary{ID: c.ID, Title: c.Title})
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req saveConversationRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, detailInvalidBody)
			return
		}
		if req.ID == "" {
			req.ID = "new"
		}
		messages := make([]domain.Message, 0, len(req.Messages))
		for _, m := range req.Messages {
			messages = append(messages, domain.Message{Role: m.Role, Content: m.Content})
		}
		id, err := s.app.SaveConversation(r.Context(), user.ID, req.ID, req.SystemPrompt, messages)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":          "success",
			"conversation_id": id,
		})
	default:
		methodNotAllowed(w)
	}
}

type conversationResponse struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	Messages     []messagePayload `json:"messages"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, detailConversationGone)
		return
	}
	switch r.Method {
	case http.MethodGet:
		conversation, err := s.app.GetConversation(user.ID, id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		out := conversationResponse{
			ID:           conversation.ID,
			Title:        conversation.Title,
			SystemPrompt: conversation.SystemPrompt,
			Messages:     make([]messagePayload, 0, len(conversation.Messages)),
		}
		for _, m := range conversation.Messages {
			out.Messages = append(out.Messages, messagePayload{Role: m.Role, Content: m.Content})
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodDelete:
		if err := s.app.DeleteConversation(r.Context(), user.ID, id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.sampler == nil {
		writeError(w, http.StatusInternalServerError, detailStatsUnavailable)
		return
	}
	stats, err := s.sampler.Sample(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, detailStatsUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, detailFileRequired)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, detailFileRequired)
		return
	}
	defer file.Close()

	text, err := s.app.Transcribe(r.Context(), user.ID, header.Filename, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcription": text})
}

type synthesizeRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req synthesizeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, detailInvalidBody)
		return
	}
	audio, contentType, err := s.app.Synthesize(r.Context(), req.Text)
	if err != nil {
		if errors.Is(err, app.ErrEmptyText) {
			writeError(w, http.StatusBadRequest, detailTextRequired)
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer audio.Close()

	if contentType == "" {
		contentType = "audio/wav"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, audio); err != nil {
		util.LoggerFromContext(r.Context()).Error("audio stream aborted", "error", err)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, detailInvalidBody)
		return
	}
	_, err := s.app.Register(r.Context(), r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		switch {
		case errors.Is(err, app.ErrEmailTaken):
			writeError(w, http.StatusBadRequest, detailEmailTaken)
		case errors.Is(err, auth.ErrPasswordTooShort):
			writeError(w, http.StatusBadRequest, detailPasswordTooShort)
		case errors.Is(err, app.ErrInvalidCredentials):
			writeError(w, http.StatusBadRequest, detailBadCredentials)
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "success"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, detailInvalidBody)
		return
	}
	token, err := s.app.Login(r.Context(), r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		if errors.Is(err, app.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, detailBadCredentials)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

// handleLogout needs the raw token for revocation, so it validates it inline
// instead of going through withUser.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, detailUnauthorized)
		return
	}
	if _, err := s.app.UserFromToken(token); err != nil {
		writeError(w, http.StatusUnauthorized, detailUnauthorized)
		return
	}
	if err := s.app.Logout(token); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, detailMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, detailConversationGone)
	case errors.Is(err, app.ErrEmptyMessages):
		writeError(w, http.StatusBadRequest, detailMessagesRequired)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
