package store

import "polichat/pkg/domain"

// Store defines persistence operations for users and conversations.
//
// Lookup and mutation methods that take a userID enforce ownership: a missing
// row and a row owned by someone else are both reported as "not found", the
// caller never learns which.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)

	// conversations
	CreateConversation(domain.Conversation) error
	HasConversation(id string) (bool, error)
	ListConversationsByUser(userID string) ([]domain.Conversation, error)
	GetConversation(id, userID string) (domain.Conversation, bool, error)
	ReplaceMessages(id, userID, systemPrompt string, messages []domain.Message) (bool, error)
	DeleteConversation(id, userID string) (bool, error)
}

// SessionStore issues and validates bearer tokens.
type SessionStore interface {
	NewSession(subject string) (string, error)
	SubjectFromToken(token string) (string, error)
	DeleteSession(token string) error
}
