package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type ConversationModel struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"not null;index"`
	Title        string `gorm:"not null"`
	SystemPrompt string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index"`
	Seq            int    `gorm:"not null"`
	Role           string `gorm:"not null"`
	Content        string `gorm:"not null"`
	Sources        datatypes.JSON
	CreatedAt      time.Time `gorm:"not null"`
}
