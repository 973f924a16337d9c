package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/eldtechnologies/groupchat/internal/crypto"
)

// DefaultPasskey is the development fallback when no passkey is configured.
const DefaultPasskey = "hellyabrother"

// Config holds all configuration for the application.
type Config struct {
	Host     string
	Port     int
	Env      string
	LogLevel string

	// Admin authentication
	AdminPasskey     string
	AdminPasskeyHash string
	AdminWhitelist   []string // IPs or CIDRs never auto-blocked
	AutoBlockEnabled bool     // Block manager IPs after repeated auth failures

	// Ops HTTP server; empty disables it
	OpsPort string

	// Stores
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Per-session flood limit; a rate of zero disables it
	MessageRate  float64
	MessageBurst int
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on a missing passkey.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Host:             getEnv("HOST", "127.0.0.1"),
		Port:             getEnvInt("PORT", 8080),
		Env:              getEnv("ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		AdminPasskey:     os.Getenv("ADMIN_PASSKEY"),
		AdminPasskeyHash: os.Getenv("ADMIN_PASSKEY_HASH"),
		AutoBlockEnabled: getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
		OpsPort:          os.Getenv("OPS_PORT"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       os.Getenv("SQLITE_PATH"),
		RedisURL:         os.Getenv("REDIS_URL"),
		MessageRate:      getEnvFloat("MESSAGE_RATE", 10),
		MessageBurst:     getEnvInt("MESSAGE_BURST", 20),
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("ADMIN_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.AdminWhitelist = append(cfg.AdminWhitelist, entry)
			}
		}
	}

	if cfg.AdminPasskey == "" && cfg.AdminPasskeyHash == "" {
		if cfg.Env == "production" {
			panic("ADMIN_PASSKEY or ADMIN_PASSKEY_HASH is required in production")
		}
		cfg.AdminPasskey = DefaultPasskey
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Addr returns the supervisor listen address.
func (c *Config) Addr() string {
	return JoinHostPort(c.Host, c.Port)
}

// EngineAddr returns the chat engine listen address: same host, port+1.
func (c *Config) EngineAddr() string {
	return JoinHostPort(c.Host, c.Port+1)
}

// Validate checks values that Load cannot default.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65534 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.MessageRate < 0 {
		return fmt.Errorf("MESSAGE_RATE must not be negative")
	}
	if c.MessageRate > 0 && c.MessageBurst < 1 {
		return fmt.Errorf("MESSAGE_BURST must be at least 1 when MESSAGE_RATE is set")
	}
	return nil
}

// Passkey returns the admin passkey. A configured hash wins over plaintext,
// which is hashed here so the secret is not kept in memory.
func (c *Config) Passkey() (*crypto.Passkey, error) {
	if c.AdminPasskeyHash != "" {
		return crypto.PasskeyFromHash(c.AdminPasskeyHash)
	}
	pk, err := crypto.NewPasskey(c.AdminPasskey, 0)
	if err != nil {
		return nil, err
	}
	c.AdminPasskey = ""
	return pk, nil
}

// JoinHostPort formats host and a numeric port as a dialable address.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
