package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/wsi"
)

// Config is the wsitile configuration file.
type Config struct {
	Workers            int    `yaml:"workers"`
	QueueCapacity      int    `yaml:"queue_capacity"`
	CompletionCapacity int    `yaml:"completion_capacity"`
	CacheBudget        string `yaml:"cache_budget"`
	FlatTileSize       int    `yaml:"flat_tile_size"`
	LogLevel           string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when no file is given.
// Zero numeric fields leave the engine defaults in place.
func DefaultConfig() *Config {
	return &Config{
		CacheBudget: "512 MiB",
		LogLevel:    "warn",
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", filename, err)
	}
	if _, err := cfg.Options(); err != nil {
		return nil, fmt.Errorf("config %s: %w", filename, err)
	}
	return cfg, nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Options converts the configuration to engine options.
func (c *Config) Options() ([]wsi.Option, error) {
	var opts []wsi.Option
	if c.Workers < 0 || c.QueueCapacity < 0 || c.CompletionCapacity < 0 || c.FlatTileSize < 0 {
		return nil, fmt.Errorf("negative worker, capacity or tile size setting")
	}
	if c.Workers > 0 {
		opts = append(opts, wsi.WithWorkers(c.Workers))
	}
	if c.QueueCapacity > 0 {
		opts = append(opts, wsi.WithQueueCapacity(c.QueueCapacity))
	}
	if c.CompletionCapacity > 0 {
		opts = append(opts, wsi.WithCompletionCapacity(c.CompletionCapacity))
	}
	if c.FlatTileSize > 0 {
		opts = append(opts, wsi.WithFlatTileSize(c.FlatTileSize))
	}
	if c.CacheBudget != "" {
		budget, err := humanize.ParseBytes(c.CacheBudget)
		if err != nil {
			return nil, fmt.Errorf("cache_budget %q: %w", c.CacheBudget, err)
		}
		opts = append(opts, wsi.WithCacheBudget(int64(budget)))
	}
	if _, err := c.Level(); err != nil {
		return nil, err
	}
	return opts, nil
}
