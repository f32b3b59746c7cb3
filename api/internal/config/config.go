package config

import (
	"fmt"

	sharedcfg "lingopack/shared/config"
)

// Config is the API service configuration.
type Config struct {
	sharedcfg.BaseConfig
	Server ServerConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port int
}

// Load reads API configuration from the environment.
func Load() (*Config, error) {
	loader := sharedcfg.NewLoader(
		sharedcfg.WithDefaults(map[string]interface{}{
			"SERVER_HOST": "0.0.0.0",
			"SERVER_PORT": 8080,
		}),
	)

	base, err := loader.Load()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BaseConfig: *base,
		Server: ServerConfig{
			Host: loader.Viper().GetString("SERVER_HOST"),
			Port: loader.Viper().GetInt("SERVER_PORT"),
		},
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("SERVER_PORT %d out of range", cfg.Server.Port)
	}

	return cfg, nil
}
