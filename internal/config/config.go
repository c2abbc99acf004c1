package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	DB DBConfig

	JWTSecret string
	TokenTTL  time.Duration

	AI AIConfig

	Realtime RealtimeConfig

	Email EmailConfig
}

type DBConfig struct {
	Driver string // sqlite3, postgres or gorm
	DSN    string

	// ConnectBeforeListening opens the store before the listener starts.
	// When false the server answers 503 until the store is ready.
	ConnectBeforeListening bool
}

type AIConfig struct {
	APIKey   string
	Model    string
	Endpoint string
	Timeout  time.Duration

	// MinInterval is the process-wide cooldown between generation calls.
	MinInterval    time.Duration
	ThrottleSocket bool
}

type RealtimeConfig struct {
	CORSOrigins     []string
	MaxPayloadBytes int64
}

type EmailConfig struct {
	FromEmail string
	SMTPHost  string
	SMTPPort  string
	SMTPUser  string
	SMTPPass  string
	BaseURL   string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// SplitList splits a comma separated list and drops empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads the configuration from the environment. Flags bound by the CLI
// override the returned values afterwards.
func Load() Config {
	return Config{
		Addr:     getEnv("ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DB: DBConfig{
			Driver:                 getEnv("DB_DRIVER", "sqlite3"),
			DSN:                    getEnv("DB_DSN", "devfusion.db"),
			ConnectBeforeListening: getBool("CONNECT_DB_BEFORE_LISTENING", true),
		},
		JWTSecret: os.Getenv("JWT_SECRET"),
		TokenTTL:  getDuration("TOKEN_TTL", 24*time.Hour),
		AI: AIConfig{
			APIKey:         os.Getenv("AI_API_KEY"),
			Model:          getEnv("AI_MODEL", "gemini-flash-latest"),
			Endpoint:       getEnv("AI_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta"),
			Timeout:        getDuration("AI_TIMEOUT", 0),
			MinInterval:    getDuration("AI_MIN_INTERVAL", 2*time.Second),
			ThrottleSocket: getBool("AI_THROTTLE_SOCKET", true),
		},
		Realtime: RealtimeConfig{
			CORSOrigins:     SplitList(getEnv("CORS_ORIGINS", "*")),
			MaxPayloadBytes: getInt64("MAX_PAYLOAD_BYTES", 1<<20),
		},
		Email: EmailConfig{
			FromEmail: getEnv("FROM_EMAIL", "DevFusion <noreply@devfusion.local>"),
			SMTPHost:  os.Getenv("SMTP_HOST"),
			SMTPPort:  getEnv("SMTP_PORT", "587"),
			SMTPUser:  os.Getenv("SMTP_USER"),
			SMTPPass:  os.Getenv("SMTP_PASS"),
			BaseURL:   getEnv("BASE_URL", "http://localhost:8080"),
		},
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.DB.Driver {
	case "sqlite3", "postgres", "gorm":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.DB.Driver))
	}
	if c.DB.DSN == "" {
		errs = append(errs, errors.New("database DSN is required"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token TTL must be positive"))
	}
	if c.Realtime.MaxPayloadBytes <= 0 {
		errs = append(errs, errors.New("max payload bytes must be positive"))
	}
	if c.AI.MinInterval < 0 {
		errs = append(errs, errors.New("AI min interval cannot be negative"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
