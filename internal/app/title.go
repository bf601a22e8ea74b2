package app

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"polichat/internal/util"
	"polichat/pkg/ai"
	"polichat/pkg/domain"
)

const (
	defaultConversationTitle = "Nowy czat"

	titleInstruction = "Podsumuj tę rozmowę w 2 do 4 słowach. To będzie użyte jako nazwa pliku. " +
		"Odpowiedz tylko i wyłącznie samym tytułem, bez żadnych dodatkowych zdań i znaków interpunkcyjnych."
)

var slugStrip = regexp.MustCompile(`[^\p{L}\p{N}\s-]`)

// generateConversationTitle asks the model to compress the conversation into
// a short title. Any failure falls back to the default title; naming a chat
// is never worth failing a save over.
func generateConversationTitle(ctx context.Context, gateway ai.ModelGateway, messages []domain.Message) string {
	prompt := append(append([]domain.Message{}, messages...), domain.Message{
		Role:    domain.RoleUser,
		Content: titleInstruction,
	})
	reply, err := gateway.Chat(ctx, prompt)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("title generation failed", "error", err)
		return defaultConversationTitle
	}
	title := strings.TrimSpace(reply.Content)
	title = strings.NewReplacer(`"`, "", "'", "").Replace(title)
	title = strings.TrimSpace(title)
	if title == "" {
		return defaultConversationTitle
	}
	return title
}

// conversationIDFromTitle forms the persisted id: a lowercased slug of the
// title plus a time suffix. Exists resolves the rare same-second collision.
func conversationIDFromTitle(title string, now time.Time, exists func(id string) (bool, error)) (string, error) {
	slug := slugStrip.ReplaceAllString(title, "")
	slug = strings.ToLower(strings.Join(strings.Fields(slug), "_"))
	if slug == "" {
		slug = "czat"
	}
	id := fmt.Sprintf("%s_%s", slug, now.Format("150405"))
	taken, err := exists(id)
	if err != nil {
		return "", fmt.Errorf("check conversation id: %w", err)
	}
	if taken {
		id = fmt.Sprintf("%s_%s", id, util.NewID()[:8])
	}
	return id, nil
}
