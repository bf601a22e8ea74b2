package domain

import "time"

// Role identifies who authored a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ValidRole reports whether r is one of the three known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single chat turn. Messages are ordered within a conversation
// and immutable once stored.
type Message struct {
	ID             string    `json:"-"`
	ConversationID string    `json:"-"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Sources        []Source  `json:"sources,omitempty"`
	CreatedAt      time.Time `json:"-"`
}

// Source describes one web search result attached to an augmented reply.
type Source struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url,omitempty"`
}

// Conversation is a stored chat with its system prompt. The ID is assigned
// once on first save and never changes.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"-"`
	Title        string    `json:"title"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
	CreatedAt    time.Time `json:"-"`
	UpdatedAt    time.Time `json:"-"`
}

// User owns conversations. Ownership is checked on every read and mutation.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}
