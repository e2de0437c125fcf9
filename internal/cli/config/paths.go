package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigDir resolves the nanobot home directory, honoring the
// same override the host registry uses.
func DefaultConfigDir() string {
	if v := os.Getenv("NANOBOT_CONFIG_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".nanobot")
}

// DefaultConfigPath locates the optional gateway settings file.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
