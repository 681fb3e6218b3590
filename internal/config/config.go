package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Identity
	IdentityTokenSecret string
	IdentityTokenIssuer string
	IdentityTokenTTL    time.Duration

	// Session
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration

	// Rate Limit
	RateLimitGeneral int

	// Notification
	NotifyWebhookURL     string
	NotifyWebhookTimeout time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// fileConfig はCONFIG_FILEで指定するYAMLファイルの内容。
// ここで指定した値は既定値として扱い、同名の環境変数があればそちらを優先する。
type fileConfig struct {
	DatabaseURL            string `yaml:"database_url"`
	IdentityTokenSecret    string `yaml:"identity_token_secret"`
	IdentityTokenIssuer    string `yaml:"identity_token_issuer"`
	IdentityTokenTTL       string `yaml:"identity_token_ttl"`
	SessionTTL             string `yaml:"session_ttl"`
	SessionCleanupInterval string `yaml:"session_cleanup_interval"`
	RateLimitGeneral       int    `yaml:"rate_limit_general"`
	NotifyWebhookURL       string `yaml:"notify_webhook_url"`
	NotifyWebhookTimeout   string `yaml:"notify_webhook_timeout"`
	ServerPort             string `yaml:"server_port"`
	BaseURL                string `yaml:"base_url"`
	CookieDomain           string `yaml:"cookie_domain"`
	CORSAllowedOrigin      string `yaml:"cors_allowed_origin"`
}

// Load は環境変数（とCONFIG_FILEがあればそのYAML）からConfigを読み込む。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	var file fileConfig
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &file); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = getEnvString("DATABASE_URL", file.DatabaseURL)
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.IdentityTokenSecret = getEnvString("IDENTITY_TOKEN_SECRET", file.IdentityTokenSecret)
	if cfg.IdentityTokenSecret == "" {
		missing = append(missing, "IDENTITY_TOKEN_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.IdentityTokenIssuer = getEnvString("IDENTITY_TOKEN_ISSUER", orString(file.IdentityTokenIssuer, "poflow"))
	cfg.IdentityTokenTTL = getEnvDuration("IDENTITY_TOKEN_TTL", orDuration(file.IdentityTokenTTL, time.Hour))
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", orDuration(file.SessionTTL, 8*time.Hour))
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", orDuration(file.SessionCleanupInterval, time.Hour))
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", orInt(file.RateLimitGeneral, 120))
	cfg.NotifyWebhookURL = getEnvString("NOTIFY_WEBHOOK_URL", file.NotifyWebhookURL)
	cfg.NotifyWebhookTimeout = getEnvDuration("NOTIFY_WEBHOOK_TIMEOUT", orDuration(file.NotifyWebhookTimeout, 10*time.Second))
	cfg.ServerPort = getEnvString("SERVER_PORT", orString(file.ServerPort, "8080"))
	cfg.BaseURL = getEnvString("BASE_URL", orString(file.BaseURL, "http://localhost:8080"))
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", file.CookieDomain)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", orString(file.CORSAllowedOrigin, "http://localhost:3000"))

	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("SESSION_TTL must be positive, got %s", cfg.SessionTTL)
	}

	return cfg, nil
}

func loadFile(path string, dst *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func orString(v, defaultVal string) string {
	if v != "" {
		return v
	}
	return defaultVal
}

func orInt(v, defaultVal int) int {
	if v != 0 {
		return v
	}
	return defaultVal
}

func orDuration(v string, defaultVal time.Duration) time.Duration {
	if d, ok := parseDuration(v); ok {
		return d
	}
	return defaultVal
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if d, ok := parseDuration(os.Getenv(key)); ok {
		return d
	}
	return defaultVal
}

// parseDuration は "8h" のような期間表記か、単位なしの秒数を受け付ける。
func parseDuration(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
