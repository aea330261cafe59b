package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// minSessionKeyLength はマスターシークレットに要求する最小文字数。
const minSessionKeyLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// GitHub OAuth
	GitHubClientID        string
	GitHubClientSecret    string
	GitHubRedirectURL     string
	GitHubAuthorizedUsers []string

	// Session
	SessionKey          string // セッション鍵とCSRF鍵の導出元となるマスターシークレット
	SessionAnonymousTTL time.Duration
	SessionUserTTL      time.Duration
	SessionRefreshAfter time.Duration

	// Auth
	AuthRateLimit   int // セッションごとのログインフロー開始数（回/分）
	ProviderTimeout time.Duration

	// Worker
	CleanupInterval time.Duration

	// Server
	ServerPort string
	BaseURL    string
	LogLevel   string

	// Cookie
	CookieSecure bool
	CookieDomain string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionKey = os.Getenv("SESSION_KEY")
	if cfg.SessionKey == "" {
		missing = append(missing, "SESSION_KEY")
	}

	cfg.BaseURL = strings.TrimSuffix(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.GitHubClientID = os.Getenv("GITHUB_CLIENT_ID")
	if cfg.GitHubClientID == "" {
		missing = append(missing, "GITHUB_CLIENT_ID")
	}

	cfg.GitHubClientSecret = os.Getenv("GITHUB_CLIENT_SECRET")
	if cfg.GitHubClientSecret == "" {
		missing = append(missing, "GITHUB_CLIENT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.SessionKey) < minSessionKeyLength {
		return nil, fmt.Errorf("SESSION_KEY must be at least %d characters, got %d", minSessionKeyLength, len(cfg.SessionKey))
	}

	// Optional fields with defaults
	cfg.GitHubRedirectURL = getEnvString("GITHUB_REDIRECT_URL", cfg.BaseURL+"/auth/callback/github")
	cfg.GitHubAuthorizedUsers = getEnvList("GITHUB_AUTHORIZED_USERS")
	cfg.SessionAnonymousTTL = getEnvDuration("SESSION_ANONYMOUS_TTL", 12*time.Hour)
	cfg.SessionUserTTL = getEnvDuration("SESSION_USER_TTL", 30*24*time.Hour)
	cfg.SessionRefreshAfter = getEnvDuration("SESSION_REFRESH_AFTER", time.Hour)
	cfg.AuthRateLimit = getEnvInt("AUTH_RATE_LIMIT", 20)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", strings.HasPrefix(cfg.BaseURL, "https://"))
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

	if err := validateCookieDomain(cfg.CookieDomain); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateCookieDomain はCookieのDomain属性が公開サフィックスでないことを検証する。
// "co.jp" のような値を指定すると他サイトとCookieを共有してしまうため拒否する。
func validateCookieDomain(domain string) error {
	if domain == "" {
		return nil
	}
	d := strings.TrimPrefix(strings.ToLower(domain), ".")
	if d == "localhost" {
		return nil
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(d); err != nil {
		return fmt.Errorf("COOKIE_DOMAIN %q is not a registrable domain: %w", domain, err)
	}
	return nil
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数をトリム済みのスライスとして返す。空要素は除外する。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
