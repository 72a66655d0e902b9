// Package config provides application configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all application configuration. Values come from an optional
// TOML file first, then environment variables on top.
type Config struct {
	Port          string `toml:"port"`
	DBPath        string `toml:"db_path"`
	AllowedOrigin string `toml:"allowed_origin"`

	Host HostConfig    `toml:"host"`
	Tune SessionTuning `toml:"session"`
}

// HostConfig describes the inference host this client connects to. JobID and
// ChainID identify the settlement job funding the session.
type HostConfig struct {
	URL       string `toml:"url"`
	PublicKey string `toml:"public_key"` // hex-encoded X25519 public key
	Model     string `toml:"model"`
	Security  string `toml:"security"`
	JobID     string `toml:"job_id"`
	ChainID   int64  `toml:"chain_id"`
}

// SessionTuning holds engine knobs. Durations are TOML strings like "10s".
type SessionTuning struct {
	KeyTTL            duration `toml:"key_ttl"`
	ConnectTimeout    duration `toml:"connect_timeout"`
	PromptIdleTimeout duration `toml:"prompt_idle_timeout"`
	SendQueueSize     int      `toml:"send_queue_size"`
	ReconnectAttempts int      `toml:"reconnect_attempts"`
}

// duration lets time.Duration round-trip through TOML as a string.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Load reads configuration from CONFIG_FILE (default ./hostlink.toml, if
// present) and environment variables. Environment wins.
func Load() (*Config, error) {
	cfg := &Config{
		Port:   "8080",
		DBPath: "./data/hostlink.db",
		Host: HostConfig{
			Security: "encrypted",
		},
		Tune: SessionTuning{
			KeyTTL:            duration(time.Hour),
			ConnectTimeout:    duration(10 * time.Second),
			PromptIdleTimeout: duration(2 * time.Minute),
			SendQueueSize:     1000,
			ReconnectAttempts: 5,
		},
	}

	path := getEnv("CONFIG_FILE", "./hostlink.toml")
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.AllowedOrigin = getEnv("ALLOWED_ORIGIN", cfg.AllowedOrigin)
	cfg.Host.URL = getEnv("HOST_URL", cfg.Host.URL)
	cfg.Host.PublicKey = getEnv("HOST_PUBLIC_KEY", cfg.Host.PublicKey)
	cfg.Host.Model = getEnv("HOST_MODEL", cfg.Host.Model)
	cfg.Host.Security = getEnv("SECURITY_MODE", cfg.Host.Security)
	cfg.Host.JobID = getEnv("JOB_ID", cfg.Host.JobID)
	cfg.Host.ChainID = getEnvInt64("CHAIN_ID", cfg.Host.ChainID)
	cfg.Tune.KeyTTL = getEnvDuration("KEY_TTL", cfg.Tune.KeyTTL)
	cfg.Tune.ConnectTimeout = getEnvDuration("CONNECT_TIMEOUT", cfg.Tune.ConnectTimeout)
	cfg.Tune.PromptIdleTimeout = getEnvDuration("PROMPT_IDLE_TIMEOUT", cfg.Tune.PromptIdleTimeout)
	cfg.Tune.SendQueueSize = getEnvInt("SEND_QUEUE_SIZE", cfg.Tune.SendQueueSize)
	cfg.Tune.ReconnectAttempts = getEnvInt("RECONNECT_ATTEMPTS", cfg.Tune.ReconnectAttempts)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Host.Security {
	case "encrypted", "plaintext":
	default:
		return fmt.Errorf("SECURITY_MODE must be encrypted or plaintext, got %q", c.Host.Security)
	}
	if c.Host.Security == "encrypted" && c.Host.PublicKey != "" {
		if _, err := c.HostPublicKeyBytes(); err != nil {
			return err
		}
	}
	if c.Tune.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be > 0")
	}
	if c.Tune.ReconnectAttempts < 0 {
		return fmt.Errorf("RECONNECT_ATTEMPTS cannot be negative")
	}
	return nil
}

// HostPublicKeyBytes decodes the configured host public key.
func (c *Config) HostPublicKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(c.Host.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("HOST_PUBLIC_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("HOST_PUBLIC_KEY must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback duration) duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return duration(d)
}
