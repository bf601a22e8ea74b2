package app

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyMessages        = errors.New("messages required")
	ErrEmptyText            = errors.New("text required")
	ErrEmailTaken           = errors.New("email already registered")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrUserNotFound         = errors.New("user not found")
)
