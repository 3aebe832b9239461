package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"rangemaster/pkg/config"

	"github.com/goccy/go-yaml"
)

const (
	envZKServers  = "RANGEMASTER_ZK_SERVERS"
	envWireListen = "RANGEMASTER_WIRE_LISTEN"
)

// initConfig загружает конфиг из файла YAML поверх config.Default().
// Если файл не найден, используется конфиг по умолчанию.
func initConfig(path string) (config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("config file not found, using default config", "path", path)
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv: переменные окружения имеют приоритет над файлом.
func applyEnv(cfg *config.Config) {
	if v := os.Getenv(envZKServers); v != "" {
		cfg.Metadata.ZKServers = strings.Split(v, ",")
		cfg.Metadata.Backend = config.MetadataZookeeper
	}
	if v := os.Getenv(envWireListen); v != "" {
		cfg.Wire.Listen = v
	}
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", level, "json", cfg.Logger.JSON)
}
