package store

import (
	"sort"
	"sync"
	"time"

	"polichat/pkg/domain"
)

// MemoryStore keeps users and conversations in-process. It backs tests and
// implements the same ownership semantics as GormStore.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	email         map[string]string // email -> user ID
	conversations map[string]domain.Conversation
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		email:         make(map[string]string),
		conversations: make(map[string]domain.Conversation),
	}
}

// SaveUser registers a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// CreateConversation stores a conversation with its messages.
func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Messages = append([]domain.Message(nil), c.Messages...)
	m.conversations[c.ID] = c
	return nil
}

// HasConversation reports whether an id is taken.
func (m *MemoryStore) HasConversation(id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conversations[id]
	return ok, nil
}

// ListConversationsByUser returns the user's conversations, most recent first.
func (m *MemoryStore) ListConversationsByUser(userID string) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID != userID {
			continue
		}
		c.Messages = nil
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	return res, nil
}

// GetConversation returns an owned conversation with messages.
func (m *MemoryStore) GetConversation(id, userID string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok || c.UserID != userID {
		return domain.Conversation{}, false, nil
	}
	c.Messages = append([]domain.Message(nil), c.Messages...)
	return c, true, nil
}

// ReplaceMessages swaps the message set of an owned conversation.
func (m *MemoryStore) ReplaceMessages(id, userID, systemPrompt string, messages []domain.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	c.Messages = append([]domain.Message(nil), messages...)
	c.SystemPrompt = systemPrompt
	c.UpdatedAt = time.Now().UTC()
	m.conversations[id] = c
	return true, nil
}

// DeleteConversation removes an owned conversation.
func (m *MemoryStore) DeleteConversation(id, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	delete(m.conversations, id)
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
