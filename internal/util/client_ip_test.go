package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPIgnoresForwardedFromUntrustedPeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("X-Forwarded-For", "10.0.0.1")

	if got := ClientIP(req, nil); got != "203.0.113.7" {
		t.Fatalf("expected socket address to win, got %q", got)
	}
}

func TestClientIPUsesForwardedBehindTrustedProxy(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"127.0.0.0/8"})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 127.0.0.2")

	if got := ClientIP(req, trusted); got != "203.0.113.7" {
		t.Fatalf("expected first untrusted hop, got %q", got)
	}
}

func TestClientIPRealIPFallback(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"127.0.0.1"})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("X-Real-IP", "198.51.100.9")

	if got := ClientIP(req, trusted); got != "198.51.100.9" {
		t.Fatalf("expected X-Real-IP fallback, got %q", got)
	}
}

func TestNewTrustedProxiesRejectsGarbage(t *testing.T) {
	if _, err := NewTrustedProxies([]string{"not-an-ip"}); err == nil {
		t.Fatalf("expected parse error")
	}
	trusted, err := NewTrustedProxies([]string{"", "  "})
	if err != nil || trusted != nil {
		t.Fatalf("blank entries must yield nil allowlist, got %v err=%v", trusted, err)
	}
}
