package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ApplyEnv overlays environment variables onto cfg. Only variables that are
// set and non-empty replace file values. A nil environ reads the process
// environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	if cfg == nil {
		return nil
	}
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}
