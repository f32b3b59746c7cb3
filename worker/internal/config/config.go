package config

import (
	"fmt"

	sharedcfg "lingopack/shared/config"
)

// Config is the worker service configuration.
type Config struct {
	sharedcfg.BaseConfig
	Workers WorkersConfig
}

// WorkersConfig sets per-stage consumer concurrency. The packaging stage
// always runs a single batch consumer, so it has no knob here.
type WorkersConfig struct {
	Audio       int
	Translation int
}

// Load reads worker configuration from the environment.
func Load() (*Config, error) {
	loader := sharedcfg.NewLoader(
		sharedcfg.WithDefaults(map[string]interface{}{
			"WORKER_AUDIO_CONCURRENCY": 2,
			"WORKER_TEXT_CONCURRENCY":  4,
		}),
	)

	base, err := loader.Load()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BaseConfig: *base,
		Workers: WorkersConfig{
			Audio:       loader.Viper().GetInt("WORKER_AUDIO_CONCURRENCY"),
			Translation: loader.Viper().GetInt("WORKER_TEXT_CONCURRENCY"),
		},
	}

	if cfg.Workers.Audio < 1 {
		return nil, fmt.Errorf("WORKER_AUDIO_CONCURRENCY must be at least 1")
	}
	if cfg.Workers.Translation < 1 {
		return nil, fmt.Errorf("WORKER_TEXT_CONCURRENCY must be at least 1")
	}

	return cfg, nil
}
