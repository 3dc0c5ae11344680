package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk dotfile (~/.retunnel.yaml), generalized from the
// teacher's single-server-address config to the full set of flags the CLI
// exposes.
type Config struct {
	Server     string `yaml:"server"`
	APIURL     string `yaml:"api_url"`
	Token      string `yaml:"token"`
	Subdomain  string `yaml:"subdomain"`
	Debug      *bool  `yaml:"debug"`
	Reconnect  *bool  `yaml:"reconnect"`
	MaxRetries *int   `yaml:"max_retries"`
	Insecure   *bool  `yaml:"insecure"`
}

// loadConfig loads the dotfile at path, or ~/.retunnel.yaml if path is
// empty. A missing file is not an error: it returns (nil, nil).
func loadConfig(path string) (*Config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		path = filepath.Join(home, ".retunnel.yaml")
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &cfg, nil
}

// defaultConfigPath mirrors the path loadConfig resolves to when called
// with "", for the `config --path` subcommand.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".retunnel.yaml"
	}
	return filepath.Join(home, ".retunnel.yaml")
}
