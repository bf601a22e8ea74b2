package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location relative to the working dir.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// DatabaseDSN accepts a postgres:// URL or a sqlite file path.
	DatabaseDSN string `yaml:"databaseDSN"`

	OllamaBaseURL string `yaml:"ollamaBaseURL"`
	OllamaModel   string `yaml:"ollamaModel"`
	SystemPrompt  string `yaml:"systemPrompt"`

	WhisperBaseURL string `yaml:"whisperBaseURL"`
	WhisperModel   string `yaml:"whisperModel"`
	TTSBaseURL     string `yaml:"ttsBaseURL"`
	TTSModel       string `yaml:"ttsModel"`
	TTSVoice       string `yaml:"ttsVoice"`

	JWTSecret       string `yaml:"jwtSecret"`
	TokenTTLMinutes int    `yaml:"tokenTTLMinutes"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AMQPURL string `yaml:"amqpURL"`

	CORSOrigin     string   `yaml:"corsOrigin"`
	TrustedProxies []string `yaml:"trustedProxies"`

	AuthRateLimit         int `yaml:"authRateLimit"`
	AuthRateWindowSeconds int `yaml:"authRateWindowSeconds"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.OllamaBaseURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		cfg.OllamaModel = v
	}
	if v := os.Getenv("WHISPER_BASE_URL"); v != "" {
		cfg.WhisperBaseURL = v
	}
	if v := os.Getenv("TTS_BASE_URL"); v != "" {
		cfg.TTSBaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("AUTH_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		cfg.AuthRateLimit = n
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.OllamaBaseURL == "" {
		cfg.OllamaBaseURL = "http://localhost:11434"
	}
	if cfg.TokenTTLMinutes <= 0 {
		cfg.TokenTTLMinutes = 30
	}
	if cfg.WhisperModel == "" {
		cfg.WhisperModel = "whisper-1"
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = "tts-1"
	}
	if cfg.TTSVoice == "" {
		cfg.TTSVoice = "alloy"
	}
	if cfg.AuthRateLimit <= 0 {
		cfg.AuthRateLimit = 10
	}
	if cfg.AuthRateWindowSeconds <= 0 {
		cfg.AuthRateWindowSeconds = 60
	}
	if cfg.MinioBucket == "" {
		cfg.MinioBucket = "polichat-audio"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: databaseDSN is required (set in config.yaml or DATABASE_DSN)")
	}
	if cfg.OllamaModel == "" {
		return errors.New("config: ollamaModel is required (set in config.yaml or OLLAMA_MODEL)")
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
		return errors.New("config: jwtSecret must be at least 32 characters (set in config.yaml or JWT_SECRET)")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minio credentials are required when minioEndpoint is set")
	}
	return nil
}
