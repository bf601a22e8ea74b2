package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"polichat/pkg/domain"
)

// GormStore implements Store using GORM over SQLite or Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations. A DSN starting with
// "postgres://" or containing "host=" selects Postgres, anything else is
// treated as a SQLite file path.
func NewGormStore(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database DSN required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	dialector := sqlite.Open(dsn)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &ConversationModel{}, &MessageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser registers a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateConversation inserts the conversation and its messages in one transaction.
func (s *GormStore) CreateConversation(c domain.Conversation) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		model := conversationToModel(c)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return insertMessages(tx, c.ID, c.Messages)
	})
}

// HasConversation reports whether an id is already taken, regardless of owner.
func (s *GormStore) HasConversation(id string) (bool, error) {
	var count int64
	if err := s.db.Model(&ConversationModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListConversationsByUser returns the user's conversations, most recent first.
// Messages are not loaded.
func (s *GormStore) ListConversationsByUser(userID string) ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := s.db.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// GetConversation returns one conversation with its ordered messages.
// A row owned by another user reads as absent.
func (s *GormStore) GetConversation(id, userID string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	var msgModels []MessageModel
	if err := s.db.Where("conversation_id = ?", id).Order("seq ASC").Find(&msgModels).Error; err != nil {
		return domain.Conversation{}, false, err
	}
	conversation := conversationFromModel(model)
	conversation.Messages = make([]domain.Message, 0, len(msgModels))
	for _, m := range msgModels {
		conversation.Messages = append(conversation.Messages, messageFromModel(m))
	}
	return conversation, true, nil
}

// ReplaceMessages swaps the full message set of an owned conversation.
// Ownership check and mutation run inside one transaction; last write wins.
func (s *GormStore) ReplaceMessages(id, userID, systemPrompt string, messages []domain.Message) (bool, error) {
	found := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model ConversationModel
		if err := tx.First(&model, "id = ? AND user_id = ?", id, userID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}
		found = true
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		if err := insertMessages(tx, id, messages); err != nil {
			return err
		}
		return tx.Model(&ConversationModel{}).Where("id = ?", id).Updates(map[string]any{
			"system_prompt": systemPrompt,
			"updated_at":    time.Now().UTC(),
		}).Error
	})
	return found, err
}

// DeleteConversation removes an owned conversation and its messages.
// Deleting an absent or foreign id is a no-op reported as not found.
func (s *GormStore) DeleteConversation(id, userID string) (bool, error) {
	found := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model ConversationModel
		if err := tx.First(&model, "id = ? AND user_id = ?", id, userID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}
		found = true
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ConversationModel{}, "id = ?", id).Error
	})
	return found, err
}

func insertMessages(tx *gorm.DB, conversationID string, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	models := make([]MessageModel, 0, len(messages))
	for i, msg := range messages {
		model := messageToModel(msg)
		if model.ID == "" {
			model.ID = uuid.NewString()
		}
		model.ConversationID = conversationID
		model.Seq = i
		models = append(models, model)
	}
	return tx.CreateInBatches(&models, 200).Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:           c.ID,
		UserID:       c.UserID,
		Title:        c.Title,
		SystemPrompt: c.SystemPrompt,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:           m.ID,
		UserID:       m.UserID,
		Title:        m.Title,
		SystemPrompt: m.SystemPrompt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	var rawSources []byte
	if len(msg.Sources) > 0 {
		rawSources, _ = json.Marshal(msg.Sources)
	}
	return MessageModel{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Sources:   rawSources,
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	var sources []domain.Source
	if len(m.Sources) > 0 {
		_ = json.Unmarshal(m.Sources, &sources)
	}
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           domain.Role(m.Role),
		Content:        m.Content,
		Sources:        sources,
		CreatedAt:      m.CreatedAt,
	}
}
