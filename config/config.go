// Package config centralizes every environment-driven setting the hub
// needs, loaded once at boot and threaded through the rest of the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates every configuration subsection. Each subsection is a
// separate struct so each concern stays independently testable.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Rooms     RoomConfig
	Mail      MailConfig
	Redis     RedisConfig
}

// ServerConfig holds the HTTP/WS listener settings.
type ServerConfig struct {
	Host string
	Port int
	Env  string // "development" or "production" — gates logger verbosity.
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string
}

// JWTConfig holds access/refresh token signing settings.
type JWTConfig struct {
	Secret             string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// RateLimitConfig holds the §5 rate-limit knobs.
type RateLimitConfig struct {
	RegisterPerMinute int
	LoginPerMinute    int
	StreamAuthPerMin  int
}

// RoomConfig holds the §5 resource caps.
type RoomConfig struct {
	MaxChannels       int
	MaxMembersPerRoom int
	MaxMessageLength  int
	ChatHistorySize   int // H in §3/§8.
	BanSweepInterval  time.Duration
}

// MailConfig gates the optional password-reset email flow.
type MailConfig struct {
	Enabled   bool
	APIKey    string
	FromEmail string
	AppURL    string
}

// RedisConfig gates the optional durable mirror of §4.1/§6.3.
type RedisConfig struct {
	Enabled bool
	Addr    string
	Prefix  string
}

// Load builds a Config from the environment, loading .env first if present
// (silently ignored when absent — production passes real env vars).
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := strconv.Atoi(getEnv("SERVER_PORT", "9090"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	accessMin, err := strconv.Atoi(getEnv("JWT_ACCESS_EXPIRY_MINUTES", "15"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_ACCESS_EXPIRY_MINUTES: %w", err)
	}
	refreshDays, err := strconv.Atoi(getEnv("JWT_REFRESH_EXPIRY_DAYS", "7"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_REFRESH_EXPIRY_DAYS: %w", err)
	}

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	maxChannels, err := strconv.Atoi(getEnv("MAX_CHANNELS", "500"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_CHANNELS: %w", err)
	}
	maxMembers, err := strconv.Atoi(getEnv("MAX_MEMBERS_PER_ROOM", "1000"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_MEMBERS_PER_ROOM: %w", err)
	}
	maxMsgLen, err := strconv.Atoi(getEnv("MAX_MESSAGE_LENGTH", "4000"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_MESSAGE_LENGTH: %w", err)
	}
	historySize, err := strconv.Atoi(getEnv("CHAT_HISTORY_SIZE", "200"))
	if err != nil {
		return nil, fmt.Errorf("invalid CHAT_HISTORY_SIZE: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: port,
			Env:  getEnv("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./data/hub.db"),
		},
		JWT: JWTConfig{
			Secret:             jwtSecret,
			AccessTokenExpiry:  time.Duration(accessMin) * time.Minute,
			RefreshTokenExpiry: time.Duration(refreshDays) * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			RegisterPerMinute: atoiDefault("RATE_LIMIT_REGISTER_PER_MIN", 5),
			LoginPerMinute:    atoiDefault("RATE_LIMIT_LOGIN_PER_MIN", 10),
			StreamAuthPerMin:  atoiDefault("RATE_LIMIT_STREAM_AUTH_PER_MIN", 30),
		},
		Rooms: RoomConfig{
			MaxChannels:       maxChannels,
			MaxMembersPerRoom: maxMembers,
			MaxMessageLength:  maxMsgLen,
			ChatHistorySize:   historySize,
			BanSweepInterval:  60 * time.Second,
		},
		Mail: MailConfig{
			Enabled:   getEnv("RESEND_API_KEY", "") != "",
			APIKey:    getEnv("RESEND_API_KEY", ""),
			FromEmail: getEnv("MAIL_FROM", "noreply@example.com"),
			AppURL:    getEnv("APP_URL", "http://localhost:5173"),
		},
		Redis: RedisConfig{
			Enabled: getEnv("REDIS_ADDR", "") != "",
			Addr:    getEnv("REDIS_ADDR", ""),
			Prefix:  getEnv("REDIS_PREFIX", "hub"),
		},
	}

	return cfg, nil
}

// Addr returns the address the HTTP server should listen on.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func atoiDefault(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return v
}
