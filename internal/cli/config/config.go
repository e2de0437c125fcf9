// Package config loads the optional gateway settings file. The host
// registry has its own document; this file only carries CLI niceties.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models ~/.nanobot/config.yaml. Every field is optional.
type Config struct {
	DefaultHost string `yaml:"defaultHost"`
	LogLevel    string `yaml:"logLevel"`
	LogFile     string `yaml:"logFile"`
	AgentBinary string `yaml:"agentBinary"`
	NoTmux      bool   `yaml:"noTmux"`
}

// Load decodes the config file. A missing file returns an empty
// config, not an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.DefaultHost = strings.TrimSpace(cfg.DefaultHost)
	return &cfg, nil
}
