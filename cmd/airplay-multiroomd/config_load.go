package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/airplay-multiroom/server/internal/config"
)

// loadConfig starts from config.Defaults() and, if path is non-empty,
// unmarshals the YAML file on top of it — present keys override the
// default, absent keys keep it, so a config file only needs to mention
// what it changes.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
