package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port       string
	Env        string
	DBAdapter  string
	SQLiteFile string
	LogLevel   string

	// Google OAuth client
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectBase string

	// Secrets
	EncryptionKey  string // urlsafe base64, must decode to 32 raw bytes
	InternalAPIKey string // shared secret for internal callers

	// Internal caller restrictions
	InternalAllowedIPs   []string // exact IPs or CIDR ranges; empty disables the check
	AllowedRedirectHosts []string
	TrustProxyHeaders    bool

	// Rate limiting
	RateLimitWindowSeconds int
	RateLimitMaxPerKey     int
	RateLimitMaxPerUser    int
	RateLimitPerMinute     int // coarse per-caller bucket applied to all API routes

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getbool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// getcsv splits a comma-separated env var into trimmed, non-empty entries.
func getcsv(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

func New() (*Config, error) {
	c := &Config{
		Port:       getenv("PORT", "8080"),
		Env:        strings.ToLower(getenv("ENV", "dev")),
		DBAdapter:  getenv("DB_ADAPTER", "postgres"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/tokenbroker.db"),
		LogLevel:   getenv("LOG_LEVEL", "info"),

		GoogleClientID:     getenv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getenv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectBase: getenv("GOOGLE_REDIRECT_BASE", "http://localhost:8080"),

		EncryptionKey:  getenv("ENCRYPTION_KEY", ""),
		InternalAPIKey: getenv("API_INTERNAL_KEY", ""),

		InternalAllowedIPs:   getcsv("INTERNAL_ALLOWED_IPS", nil),
		AllowedRedirectHosts: getcsv("ALLOWED_REDIRECT_HOSTS", []string{"localhost", "127.0.0.1"}),
		TrustProxyHeaders:    getbool("TRUST_PROXY_HEADERS", false),

		RateLimitWindowSeconds: getint("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitMaxPerKey:     getint("RATE_LIMIT_MAX_PER_KEY", 120),
		RateLimitMaxPerUser:    getint("RATE_LIMIT_MAX_PER_USER", 60),
		RateLimitPerMinute:     getint("RATE_LIMIT_PER_MINUTE", 300),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "broker")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "tokenbroker")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
	}

	if c.DBAdapter == "postgres" {
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	}

	if c.DBAdapter == "sqlite" && c.SQLiteFile == "" {
		return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
	}

	// Broken crypto or a guessable internal key must never serve traffic.
	if c.EncryptionKey == "" {
		return nil, errors.New("ENCRYPTION_KEY must be set (urlsafe base64 of 32 bytes)")
	}
	if c.InternalAPIKey == "" {
		return nil, errors.New("API_INTERNAL_KEY must be set")
	}

	if c.RateLimitWindowSeconds <= 0 {
		c.RateLimitWindowSeconds = 60
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
