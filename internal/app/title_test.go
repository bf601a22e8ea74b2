package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"polichat/pkg/ai"
	"polichat/pkg/domain"
)

func TestGenerateConversationTitleStripsQuotes(t *testing.T) {
	gw := &fakeGateway{reply: `"Pogoda w Krakowie"`}
	title := generateConversationTitle(context.Background(), gw, []domain.Message{
		{Role: domain.RoleUser, Content: "Jaka jest pogoda w Krakowie?"},
	})
	if title != "Pogoda w Krakowie" {
		t.Fatalf("unexpected title %q", title)
	}
	last := gw.lastMessages[len(gw.lastMessages)-1]
	if last.Role != domain.RoleUser || !strings.Contains(last.Content, "Podsumuj tę rozmowę") {
		t.Fatalf("summary instruction not appended: %+v", last)
	}
}

func TestGenerateConversationTitleFallsBack(t *testing.T) {
	gw := &fakeGateway{err: errors.New("model offline")}
	title := generateConversationTitle(context.Background(), gw, []domain.Message{
		{Role: domain.RoleUser, Content: "Hello"},
	})
	if title != "Nowy czat" {
		t.Fatalf("expected fallback title, got %q", title)
	}

	gw = &fakeGateway{reply: `""`}
	if title := generateConversationTitle(context.Background(), gw, nil); title != "Nowy czat" {
		t.Fatalf("expected fallback for blank reply, got %q", title)
	}
}

func TestConversationIDFromTitle(t *testing.T) {
	now := time.Date(2025, 6, 1, 14, 30, 45, 0, time.UTC)
	never := func(string) (bool, error) { return false, nil }

	id, err := conversationIDFromTitle("Pogoda w Krakowie", now, never)
	if err != nil {
		t.Fatalf("id from title: %v", err)
	}
	if id != "pogoda_w_krakowie_143045" {
		t.Fatalf("unexpected id %q", id)
	}

	id, err = conversationIDFromTitle("Nowy czat", now, never)
	if err != nil {
		t.Fatalf("id from title: %v", err)
	}
	if id != "nowy_czat_143045" {
		t.Fatalf("unexpected fallback id %q", id)
	}

	// Punctuation-only titles still yield a usable slug.
	id, err = conversationIDFromTitle("!!!", now, never)
	if err != nil {
		t.Fatalf("id from title: %v", err)
	}
	if id != "czat_143045" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestConversationIDCollisionGetsSuffix(t *testing.T) {
	now := time.Date(2025, 6, 1, 14, 30, 45, 0, time.UTC)
	id, err := conversationIDFromTitle("Nowy czat", now, func(string) (bool, error) { return true, nil })
	if err != nil {
		t.Fatalf("id from title: %v", err)
	}
	if !strings.HasPrefix(id, "nowy_czat_143045_") || len(id) <= len("nowy_czat_143045_") {
		t.Fatalf("expected collision suffix, got %q", id)
	}
}

var _ ai.ModelGateway = (*fakeGateway)(nil)
