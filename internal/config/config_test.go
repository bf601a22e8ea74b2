package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
port: "8000"
logLevel: "info"
databaseDSN: "chatbot.db"
ollamaBaseURL: "http://localhost:11434"
ollamaModel: "SpeakLeash/bielik-11b-v2.3-instruct:Q4_K_M"
jwtSecret: "0123456789abcdef0123456789abcdef"
whisperBaseURL: "http://localhost:9000"
ttsBaseURL: "http://localhost:9001"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.TokenTTLMinutes != 30 {
		t.Fatalf("tokenTTLMinutes = %d, want 30", cfg.TokenTTLMinutes)
	}
	if cfg.AuthRateLimit != 10 || cfg.AuthRateWindowSeconds != 60 {
		t.Fatalf("unexpected rate limit defaults: %d/%ds", cfg.AuthRateLimit, cfg.AuthRateWindowSeconds)
	}
	if cfg.TTSVoice != "alloy" {
		t.Fatalf("ttsVoice = %q, want alloy", cfg.TTSVoice)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OLLAMA_MODEL", "bielik-local")
	t.Setenv("JWT_SECRET", strings.Repeat("s", 40))
	t.Setenv("AUTH_RATE_LIMIT", "3")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.OllamaModel != "bielik-local" {
		t.Fatalf("ollamaModel = %q, want env override", cfg.OllamaModel)
	}
	if cfg.JWTSecret != strings.Repeat("s", 40) {
		t.Fatalf("jwtSecret not overridden")
	}
	if cfg.AuthRateLimit != 3 {
		t.Fatalf("authRateLimit = %d, want 3", cfg.AuthRateLimit)
	}
}

func TestLoadRejectsShortJWTSecret(t *testing.T) {
	content := strings.Replace(validYAML,
		`jwtSecret: "0123456789abcdef0123456789abcdef"`,
		`jwtSecret: "short"`, 1)
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatalf("expected error for short jwtSecret")
	}
}

func TestLoadRejectsMissingModel(t *testing.T) {
	content := strings.Replace(validYAML,
		`ollamaModel: "SpeakLeash/bielik-11b-v2.3-instruct:Q4_K_M"`, "", 1)
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatalf("expected error for missing ollamaModel")
	}
}

func TestLoadRejectsPartialMinioCredentials(t *testing.T) {
	content := validYAML + "\nminioEndpoint: \"localhost:9100\"\n"
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatalf("expected error for minio endpoint without credentials")
	}
}
