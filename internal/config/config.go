package config

import "log/slog"

// Config is the root configuration for the pagedb process.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Server  ServerConfig  `yaml:"http-server"`
	Storage StorageConfig `yaml:"storage"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SlogLevel maps the configured level name onto a slog.Level. Unknown
// names fall back to Info.
func (lc LoggerConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type StorageConfig struct {
	// Dir is the store directory holding the WAL and page files.
	Dir string `yaml:"dir"`
	// PageSizeBytes is the fixed page size; zero means the default (4096).
	PageSizeBytes int `yaml:"page_size"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			Dir:           "./data",
			PageSizeBytes: 4096,
		},
	}
}
