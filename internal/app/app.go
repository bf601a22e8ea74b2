package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"polichat/internal/util"
	"polichat/pkg/ai"
	"polichat/pkg/auth"
	"polichat/pkg/domain"
	"polichat/pkg/events"
	"polichat/pkg/search"
	"polichat/pkg/speech"
	"polichat/pkg/storage"
	"polichat/pkg/store"
)

const (
	defaultSystemPrompt = "Jesteś pomocnym asystentem AI. Zawsze odpowiadaj na pytania i prowadź " +
		"konwersację wyłącznie w języku polskim."

	searchInstruction = "Jeśli do odpowiedzi potrzebujesz aktualnych informacji z internetu, odpowiedz " +
		"wyłącznie tekstem w formacie [SEARCH: zapytanie] i niczym więcej. W przeciwnym razie odpowiedz normalnie."

	searchFailedNotice = "Wyszukiwanie nie powiodło się, brak wyników."

	searchResultLimit = 3
)

// TurnSink receives the events of one streamed chat turn.
type TurnSink interface {
	Fragment(role domain.Role, content string) error
	Searching(query string) error
}

// Config holds the collaborators of the core application.
type Config struct {
	Store       store.Store
	Sessions    store.SessionStore
	Gateway     ai.ModelGateway
	Searcher    search.Searcher
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	Archive     storage.AudioArchive
	Events      events.Publisher

	// SystemPrompt replaces the built-in default when set.
	SystemPrompt string
}

// App wires storage, the model gateway and the side services into the chat
// orchestration flow.
type App struct {
	store       store.Store
	sessions    store.SessionStore
	gateway     ai.ModelGateway
	searcher    search.Searcher
	transcriber speech.Transcriber
	synthesizer speech.Synthesizer
	archive     storage.AudioArchive
	events      events.Publisher

	systemPrompt string
}

// New constructs the application. Store, Sessions and Gateway are required;
// the remaining collaborators are optional and their features degrade when
// absent.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("model gateway required")
	}
	systemPrompt := strings.TrimSpace(cfg.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &App{
		store:        cfg.Store,
		sessions:     cfg.Sessions,
		gateway:      cfg.Gateway,
		searcher:     cfg.Searcher,
		transcriber:  cfg.Transcriber,
		synthesizer:  cfg.Synthesizer,
		archive:      cfg.Archive,
		events:       cfg.Events,
		systemPrompt: systemPrompt,
	}, nil
}

// ChatTurn runs one chat turn: normalize the system message, get a first-pass
// reply, branch into search augmentation when the model asks for it, and
// stream the final answer into sink. Nothing is persisted here; saving is the
// conversations endpoint's job.
func (a *App) ChatTurn(ctx context.Context, userID string, messages []domain.Message, systemPromptOverride string, sink TurnSink) error {
	if len(messages) == 0 {
		return ErrEmptyMessages
	}
	for _, msg := range messages {
		if !domain.ValidRole(msg.Role) {
			return fmt.Errorf("%w: unknown role %q", ErrEmptyMessages, msg.Role)
		}
	}
	msgs := a.withSystemMessage(messages, systemPromptOverride)

	first, err := a.gateway.Chat(ctx, msgs)
	if err != nil {
		return fmt.Errorf("model call: %w", err)
	}

	intent := ParseToolIntent(first.Content)
	if intent.Kind == IntentDirect || a.searcher == nil {
		if err := sink.Fragment(domain.RoleAssistant, first.Content); err != nil {
			return err
		}
		a.publish(ctx, events.Event{Name: events.TurnCompleted, UserID: userID})
		return nil
	}

	if err := sink.Searching(intent.Query); err != nil {
		return err
	}
	resultsText := a.searchResults(ctx, intent.Query)
	msgs = append(msgs, domain.Message{
		Role: domain.RoleUser,
		Content: fmt.Sprintf("Wyniki wyszukiwania dla zapytania %q:\n%s\n\nOdpowiedz na moje poprzednie pytanie, korzystając z powyższych wyników.",
			intent.Query, resultsText),
	})
	err = a.gateway.ChatStream(ctx, msgs, func(f ai.Fragment) error {
		if f.Content == "" {
			return nil
		}
		role := f.Role
		if role == "" {
			role = domain.RoleAssistant
		}
		return sink.Fragment(role, f.Content)
	})
	if err != nil {
		return fmt.Errorf("model stream: %w", err)
	}
	a.publish(ctx, events.Event{
		Name:      events.TurnCompleted,
		UserID:    userID,
		Query:     intent.Query,
		Augmented: true,
	})
	return nil
}

// withSystemMessage guarantees exactly one system message, first in order.
// An existing system message is overwritten in place; otherwise one is
// synthesized from the override or the default, with the search protocol
// instruction appended when search is available.
func (a *App) withSystemMessage(messages []domain.Message, override string) []domain.Message {
	content := strings.TrimSpace(override)
	if content == "" {
		content = a.systemPrompt
	}
	if a.searcher != nil {
		content += "\n\n" + searchInstruction
	}
	for i := range messages {
		if messages[i].Role == domain.RoleSystem {
			out := append([]domain.Message{}, messages...)
			out[i].Content = content
			return out
		}
	}
	out := make([]domain.Message, 0, len(messages)+1)
	out = append(out, domain.Message{Role: domain.RoleSystem, Content: content})
	return append(out, messages...)
}

func (a *App) searchResults(ctx context.Context, query string) string {
	results, err := a.searcher.Search(ctx, query, searchResultLimit)
	if err != nil || len(results) == 0 {
		if err != nil {
			util.LoggerFromContext(ctx).Warn("web search failed", "query", query, "error", err)
		}
		return searchFailedNotice
	}
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("%s — %s", r.Title, r.Snippet))
	}
	return strings.Join(lines, "\n")
}

// SaveConversation persists a full message set. Id "new" creates the
// conversation: the title summarizer names it and the slugged title plus a
// time suffix becomes the permanent id. Any other id replaces the owned
// conversation's messages wholesale.
func (a *App) SaveConversation(ctx context.Context, userID, id, systemPrompt string, messages []domain.Message) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyMessages
	}
	now := time.Now().UTC()

	if id != "new" {
		found, err := a.store.ReplaceMessages(id, userID, systemPrompt, messages)
		if err != nil {
			return "", fmt.Errorf("replace messages: %w", err)
		}
		if !found {
			return "", ErrConversationNotFound
		}
		return id, nil
	}

	title := generateConversationTitle(ctx, a.gateway, messages)
	newID, err := conversationIDFromTitle(title, now, a.store.HasConversation)
	if err != nil {
		return "", err
	}
	for i := range messages {
		if messages[i].ID == "" {
			messages[i].ID = util.NewID()
		}
	}
	err = a.store.CreateConversation(domain.Conversation{
		ID:           newID,
		UserID:       userID,
		Title:        title,
		SystemPrompt: systemPrompt,
		Messages:     messages,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	a.publish(ctx, events.Event{Name: events.ConversationCreated, UserID: userID, ConversationID: newID})
	return newID, nil
}

// ListConversations returns the user's conversations, most recent first.
func (a *App) ListConversations(userID string) ([]domain.Conversation, error) {
	items, err := a.store.ListConversationsByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

// GetConversation returns an owned conversation with its messages.
func (a *App) GetConversation(userID, id string) (domain.Conversation, error) {
	conversation, ok, err := a.store.GetConversation(id, userID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conversation, nil
}

// DeleteConversation removes an owned conversation and its messages.
func (a *App) DeleteConversation(ctx context.Context, userID, id string) error {
	found, err := a.store.DeleteConversation(id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if !found {
		return ErrConversationNotFound
	}
	a.publish(ctx, events.Event{Name: events.ConversationDeleted, UserID: userID, ConversationID: id})
	return nil
}

// Register creates a user account with an argon2id password hash.
func (a *App) Register(ctx context.Context, email, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, fmt.Errorf("%w: valid email required", ErrInvalidCredentials)
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, err
	}
	taken, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return domain.User{}, ErrEmailTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	util.LoggerFromContext(ctx).Info("user registered", "user_id", user.ID)
	return user, nil
}

// Login verifies credentials and issues a bearer token. Unknown email and
// wrong password are indistinguishable to the caller.
func (a *App) Login(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.Email)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	util.LoggerFromContext(ctx).Info("user logged in", "user_id", user.ID)
	return token, nil
}

// Logout revokes the bearer token until its natural expiry.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// UserFromToken validates a bearer token and resolves the account.
func (a *App) UserFromToken(token string) (domain.User, error) {
	subject, err := a.sessions.SubjectFromToken(token)
	if err != nil {
		return domain.User{}, err
	}
	user, ok, err := a.store.GetUserByEmail(subject)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// Transcribe forwards uploaded audio to the speech-to-text collaborator. The
// upload is archived when an archive is configured; archival failure is
// logged and never fails the request.
func (a *App) Transcribe(ctx context.Context, userID, filename string, audio io.Reader, size int64, contentType string) (string, error) {
	if a.transcriber == nil {
		return "", fmt.Errorf("transcription not configured")
	}
	if a.archive != nil && size > 0 {
		var buffered bytes.Buffer
		tee := io.TeeReader(audio, &buffered)
		text, err := a.transcriber.Transcribe(ctx, filename, tee)
		if err != nil {
			return "", fmt.Errorf("transcribe: %w", err)
		}
		key, archErr := a.archive.Put(ctx, userID, filename, bytes.NewReader(buffered.Bytes()), int64(buffered.Len()), contentType)
		if archErr != nil {
			util.LoggerFromContext(ctx).Warn("audio archive failed", "error", archErr)
		} else {
			util.LoggerFromContext(ctx).Info("audio archived", "key", key)
		}
		return text, nil
	}
	text, err := a.transcriber.Transcribe(ctx, filename, audio)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return text, nil
}

// Synthesize turns text into an audio stream via the text-to-speech
// collaborator.
func (a *App) Synthesize(ctx context.Context, text string) (io.ReadCloser, string, error) {
	if a.synthesizer == nil {
		return nil, "", fmt.Errorf("synthesis not configured")
	}
	if strings.TrimSpace(text) == "" {
		return nil, "", ErrEmptyText
	}
	audio, contentType, err := a.synthesizer.Synthesize(ctx, text)
	if err != nil {
		return nil, "", fmt.Errorf("synthesize: %w", err)
	}
	return audio, contentType, nil
}

func (a *App) publish(ctx context.Context, e events.Event) {
	if a.events == nil {
		return
	}
	e.OccurredAt = time.Now().UTC()
	if err := a.events.Publish(ctx, e); err != nil {
		util.LoggerFromContext(ctx).Warn("event publish failed", "event", e.Name, "error", err)
	}
}
