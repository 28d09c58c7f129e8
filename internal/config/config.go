// Package config loads the service configuration from a JSON file.
// Environment variables referenced as ${VAR} in the file are expanded, and a
// handful of well-known variables override the file afterwards so container
// deployments can tune timings without editing it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	HTTP        HTTPConfig        `json:"http"`
	DataDir     string            `json:"dataDir"`
	AuditDB     string            `json:"auditDb"`
	LogLevel    string            `json:"logLevel"`
	Auth        AuthConfig        `json:"auth"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type HTTPConfig struct {
	Address string `json:"address"`
}

type AuthConfig struct {
	RPDisplayName string   `json:"rpDisplayName"`
	RPID          string   `json:"rpId"`
	RPOrigins     []string `json:"rpOrigins"`

	SessionTTLMs              int64 `json:"sessionTtlMs"`
	SessionRefreshThresholdMs int64 `json:"sessionRefreshThresholdMs"`
	SetupTokenTTLMs           int64 `json:"setupTokenTtlMs"`
	ChallengeTTLMs            int64 `json:"challengeTtlMs"`

	LockoutMaxAttempts   int   `json:"lockoutMaxAttempts"`
	LockoutBaseBackoffMs int64 `json:"lockoutBaseBackoffMs"`
	LockoutMaxBackoffMs  int64 `json:"lockoutMaxBackoffMs"`
}

type MaintenanceConfig struct {
	// Schedule is a Go duration ("1h") or a daily time ("daily@03:30").
	Schedule string `json:"schedule"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{
		HTTP:        HTTPConfig{Address: "127.0.0.1:8080"},
		DataDir:     "data",
		Maintenance: MaintenanceConfig{Schedule: "1h"},
	}
	if err := json.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnv()

	// The audit database lives next to the state file unless placed
	// explicitly.
	if cfg.AuditDB == "" {
		cfg.AuditDB = filepath.Join(cfg.DataDir, "audit.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	envInt64(&c.Auth.SessionTTLMs, "SESSION_TTL_MS")
	envInt64(&c.Auth.SessionRefreshThresholdMs, "SESSION_REFRESH_THRESHOLD_MS")
	envInt64(&c.Auth.SetupTokenTTLMs, "SETUP_TOKEN_TTL_MS")
	envInt64(&c.Auth.ChallengeTTLMs, "CHALLENGE_TTL_MS")
	envInt64(&c.Auth.LockoutBaseBackoffMs, "LOCKOUT_BASE_BACKOFF_MS")
	envInt64(&c.Auth.LockoutMaxBackoffMs, "LOCKOUT_MAX_BACKOFF_MS")
	if v := os.Getenv("LOCKOUT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Auth.LockoutMaxAttempts = n
		}
	}
}

func envInt64(dst *int64, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func (c *Config) validate() error {
	if c.HTTP.Address == "" {
		return fmt.Errorf("config: http.address must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir must not be empty")
	}
	if c.Auth.RPID == "" {
		return fmt.Errorf("config: auth.rpId must not be empty")
	}
	if len(c.Auth.RPOrigins) == 0 {
		return fmt.Errorf("config: auth.rpOrigins must not be empty")
	}
	for _, ms := range []struct {
		name string
		v    int64
	}{
		{"sessionTtlMs", c.Auth.SessionTTLMs},
		{"sessionRefreshThresholdMs", c.Auth.SessionRefreshThresholdMs},
		{"setupTokenTtlMs", c.Auth.SetupTokenTTLMs},
		{"challengeTtlMs", c.Auth.ChallengeTTLMs},
		{"lockoutBaseBackoffMs", c.Auth.LockoutBaseBackoffMs},
		{"lockoutMaxBackoffMs", c.Auth.LockoutMaxBackoffMs},
	} {
		if ms.v < 0 {
			return fmt.Errorf("config: auth.%s must not be negative", ms.name)
		}
	}
	if c.Auth.LockoutMaxAttempts < 0 {
		return fmt.Errorf("config: auth.lockoutMaxAttempts must not be negative")
	}
	return nil
}
