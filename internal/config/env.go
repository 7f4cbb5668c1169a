package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ApplyEnv overlays secrets from the environment onto cfg.
// Unset variables leave the file values untouched.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}
