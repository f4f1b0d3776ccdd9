package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.loqui/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Server         Server `toml:"server"`
}

// Server holds the backend endpoints and credential for a session.
type Server struct {
	// WSURL is the realtime endpoint, e.g. wss://chat.example.com/ws.
	WSURL string `toml:"ws_url"`
	// APIURL is the REST base, e.g. https://chat.example.com/api.
	APIURL string `toml:"api_url"`
	// Token is the bearer credential. A "Bearer " prefix is tolerated.
	Token string `toml:"token"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
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
