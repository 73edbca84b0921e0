package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.nexyc/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	ServerURL      string `toml:"server_url"` // websocket endpoint, e.g. wss://nexy.example/ws
	APIURL         string `toml:"api_url"`    // REST base, e.g. https://nexy.example/api
	Notifications  bool   `toml:"notifications"`
}

// Default returns a config with sane defaults for an unconfigured install.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		ServerURL:      "wss://localhost:8080/ws",
		APIURL:         "https://localhost:8080/api",
		Notifications:  true,
	}
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
