package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileName is the config file written by init and read by the other commands.
const FileName = "budgetgrid.yaml"

// Backend modes.
const (
	ModeMemory = "memory"
	ModeHTTP   = "http"
)

// Config represents the top-level budgetgrid.yaml configuration.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Grid    GridConfig    `yaml:"grid"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig selects and addresses the budgeting API.
type BackendConfig struct {
	Mode    string `yaml:"mode"` // "memory" or "http"
	BaseURL string `yaml:"base_url,omitempty"`
	Token   string `yaml:"token,omitempty"`
}

// GridConfig tunes sheet behavior.
type GridConfig struct {
	PlaceholderBatch int `yaml:"placeholder_batch"`
	BulkThreshold    int `yaml:"bulk_threshold"`
}

// LogConfig controls diagnostics.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads a budgetgrid.yaml file from disk. Missing sections keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes a Config to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Default returns a Config with sensible defaults for a new project.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Mode: ModeMemory,
		},
		Grid: GridConfig{
			PlaceholderBatch: 2,
			BulkThreshold:    2,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// Validate checks the values that have a fixed set of options.
func (c *Config) Validate() error {
	switch c.Backend.Mode {
	case ModeMemory:
	case ModeHTTP:
		if c.Backend.BaseURL == "" {
			return errors.New("config: backend.base_url is required in http mode")
		}
	default:
		return fmt.Errorf("config: unknown backend.mode %q", c.Backend.Mode)
	}
	if c.Grid.PlaceholderBatch < 0 || c.Grid.BulkThreshold < 0 {
		return errors.New("config: grid values must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// ApplyEnv overlays environment variables, after loading an optional .env
// file from the working directory. Setting BUDGETGRID_BACKEND_URL switches
// the backend to http mode.
func (c *Config) ApplyEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	if v := os.Getenv("BUDGETGRID_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
		c.Backend.Mode = ModeHTTP
	}
	if v := os.Getenv("BUDGETGRID_TOKEN"); v != "" {
		c.Backend.Token = v
	}
	if v := os.Getenv("BUDGETGRID_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return c.Validate()
}

// Logger builds the slog logger described by the log section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("config: unknown log.level %q", s)
	}
	return level, nil
}
