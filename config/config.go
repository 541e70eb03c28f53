// Package config defines the Tempo application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Tempo configuration.
type Config struct {
	Server   ServerConfig `json:"server" yaml:"server"`
	Auth     AuthConfig   `json:"auth" yaml:"auth"`
	Store    StoreConfig  `json:"store" yaml:"store"`
	Client   ClientConfig `json:"client" yaml:"client"`
	DataDir  string       `json:"data_dir" yaml:"data_dir"`
	LogLevel string       `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl"`
	Users     []UserConfig  `json:"users" yaml:"users"`
}

// UserConfig is one account allowed to log in. The username is the user id
// that owns tasks.
type UserConfig struct {
	Username     string `json:"username" yaml:"username"`
	PasswordHash string `json:"password_hash" yaml:"password_hash"` // bcrypt hash
}

// StoreConfig controls the SQLite task store.
type StoreConfig struct {
	Path      string        `json:"path" yaml:"path"` // defaults to <data_dir>/tempo.db
	TxTimeout time.Duration `json:"tx_timeout" yaml:"tx_timeout"`
}

// ClientConfig controls the CLI's connection to a server.
type ClientConfig struct {
	Server     string        `json:"server" yaml:"server"`
	Token      string        `json:"token,omitempty" yaml:"token"`
	DeviceFile string        `json:"device_file" yaml:"device_file"` // defaults to <data_dir>/device_id
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries uint64        `json:"max_retries" yaml:"max_retries"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Store: StoreConfig{
			TxTimeout: 5 * time.Second,
		},
		Client: ClientConfig{
			Server:     "http://localhost:9090",
			Timeout:    10 * time.Second,
			MaxRetries: 4,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to DefaultConfig
// when path is empty or missing.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// ApplyEnv overrides client settings from TEMPO_SERVER and TEMPO_TOKEN.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TEMPO_SERVER"); v != "" {
		c.Client.Server = v
	}
	if v := os.Getenv("TEMPO_TOKEN"); v != "" {
		c.Client.Token = v
	}
}

// StorePath returns the database path, resolved against DataDir.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "tempo.db")
}

// DeviceFile returns the device identity path, resolved against DataDir.
func (c *Config) DeviceFile() string {
	if c.Client.DeviceFile != "" {
		return c.Client.DeviceFile
	}
	return filepath.Join(c.DataDir, "device_id")
}

// User returns the configured account with the given name.
func (c *Config) User(name string) (UserConfig, bool) {
	for _, u := range c.Auth.Users {
		if u.Username == name {
			return u, true
		}
	}
	return UserConfig{}, false
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
