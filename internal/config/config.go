package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.smore/config.toml.
type Config struct {
	Server    Server    `toml:"server"`
	Room      Room      `toml:"room"`
	Transport Transport `toml:"transport"`
}

// Server holds the chat backend endpoints.
type Server struct {
	HTTPURL string `toml:"http_url"`
	WSURL   string `toml:"ws_url"`
}

// Room holds per-room defaults.
type Room struct {
	PageSize int `toml:"page_size"`
}

// Transport tunes the live connection. Durations are milliseconds.
type Transport struct {
	HeartbeatMS        int `toml:"heartbeat_ms"`
	HandshakeTimeoutMS int `toml:"handshake_timeout_ms"`
	SilenceMultiple    int `toml:"silence_multiple"`
	MaxAttempts        int `toml:"max_attempts"`
	BackoffBaseMS      int `toml:"backoff_base_ms"`
	BackoffCapMS       int `toml:"backoff_cap_ms"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Server: Server{
			HTTPURL: "http://localhost:8080",
			WSURL:   "ws://localhost:8080/ws",
		},
		Room: Room{PageSize: 20},
		Transport: Transport{
			HeartbeatMS:        10000,
			HandshakeTimeoutMS: 10000,
			SilenceMultiple:    3,
			MaxAttempts:        5,
			BackoffBaseMS:      500,
			BackoffCapMS:       15000,
		},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// Returns defaults and error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return Default(), err
	}
	if cfg.Room.PageSize <= 0 {
		cfg.Room.PageSize = Default().Room.PageSize
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
