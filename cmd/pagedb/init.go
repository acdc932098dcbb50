package main

import (
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"

	"pagedb/internal/config"
)

// initConfig loads the YAML config file. A missing file falls back to
// config.Default().
func initConfig(path string) (config.Config, error) {
	var cfg config.Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return config.Default(), nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// initLogger sets up the global slog.Logger (JSON or text) at the
// configured level.
func initLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.Logger.SlogLevel()}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
