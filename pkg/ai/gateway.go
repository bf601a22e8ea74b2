package ai

import (
	"context"

	"polichat/pkg/domain"
)

// Fragment is one incremental piece of a streamed model reply.
type Fragment struct {
	Role    domain.Role
	Content string
	Done    bool
}

// ModelGateway abstracts the chat model behind sync and streaming calls.
// Chat returns the complete assistant reply; ChatStream invokes fn for each
// fragment and returns when the stream ends or fn returns an error.
type ModelGateway interface {
	Chat(ctx context.Context, messages []domain.Message) (domain.Message, error)
	ChatStream(ctx context.Context, messages []domain.Message, fn func(Fragment) error) error
}
