package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the root configuration for the wayfarer backend. It is loaded
// once at process start and passed explicitly into every component; there is
// no package-level instance.
type Config struct {
	Assistant AssistantConfig `json:"assistant"`
	Model     ModelConfig     `json:"model"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Services  ServicesConfig  `json:"services"`
	Gateway   GatewayConfig   `json:"gateway"`
	History   HistoryConfig   `json:"history"`
	Logging   LoggingConfig   `json:"logging"`
}

type AssistantConfig struct {
	Name     string `json:"name" env:"WAYFARER_ASSISTANT_NAME"`
	Language string `json:"language" env:"WAYFARER_ASSISTANT_LANGUAGE"`
	Timezone string `json:"timezone" env:"WAYFARER_ASSISTANT_TIMEZONE"`
}

// ModelConfig mirrors the option set accepted by the Ollama chat endpoint.
// TopP, TopK, RepeatPenalty and NumCtx are only forwarded when set.
type ModelConfig struct {
	Name          string  `json:"name" env:"WAYFARER_MODEL_NAME"`
	Temperature   float64 `json:"temperature" env:"WAYFARER_MODEL_TEMPERATURE"`
	MaxTokens     int     `json:"max_tokens" env:"WAYFARER_MODEL_MAX_TOKENS"`
	TopP          float64 `json:"top_p,omitempty" env:"WAYFARER_MODEL_TOP_P"`
	TopK          int     `json:"top_k,omitempty" env:"WAYFARER_MODEL_TOP_K"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" env:"WAYFARER_MODEL_REPEAT_PENALTY"`
	NumCtx        int     `json:"num_ctx,omitempty" env:"WAYFARER_MODEL_NUM_CTX"`
}

type RuntimeConfig struct {
	Host string `json:"host" env:"WAYFARER_RUNTIME_HOST"`
	// StartServer controls whether an unreachable runtime is started as a
	// child process ("ollama serve") before giving up.
	StartServer bool `json:"start_server" env:"WAYFARER_RUNTIME_START_SERVER"`
}

// ServicesConfig holds the base URLs of the downstream HTTP collaborators.
type ServicesConfig struct {
	PreferencesBase     string `json:"preferences_base" env:"WAYFARER_SERVICES_PREFERENCES_BASE"`
	CatalogBase         string `json:"catalog_base" env:"WAYFARER_SERVICES_CATALOG_BASE"`
	RecommendationsBase string `json:"recommendations_base" env:"WAYFARER_SERVICES_RECOMMENDATIONS_BASE"`
	AgendaBase          string `json:"agenda_base" env:"WAYFARER_SERVICES_AGENDA_BASE"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"WAYFARER_GATEWAY_HOST"`
	Port int    `json:"port" env:"WAYFARER_GATEWAY_PORT"`
}

type HistoryConfig struct {
	Dir string `json:"dir" env:"WAYFARER_HISTORY_DIR"`
}

type LoggingConfig struct {
	Level  string `json:"level" env:"WAYFARER_LOGGING_LEVEL"`   // debug, info, warn, error
	Format string `json:"format" env:"WAYFARER_LOGGING_FORMAT"` // json, text
}

func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Name:     "KODI",
			Language: "es",
			Timezone: "UTC",
		},
		Model: ModelConfig{
			Name:        "qwen2.5:3b-instruct",
			Temperature: 0.7,
			MaxTokens:   200,
		},
		Runtime: RuntimeConfig{
			Host:        "http://localhost:11434",
			StartServer: true,
		},
		Services: ServicesConfig{
			PreferencesBase:     "http://localhost:3001/api",
			CatalogBase:         "http://localhost:3001/api",
			RecommendationsBase: "http://localhost:3001/api",
			AgendaBase:          "http://localhost:3001/api",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		History: HistoryConfig{
			Dir: "data",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration file at path, applies environment overrides,
// and validates the result. A missing file is not an error: defaults are
// written to path so the deployment has an editable starting point. A corrupt
// file falls back to defaults with a warning rather than refusing to start.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Warn("config file not found, writing defaults", "path", path)
		if err := Save(path, cfg); err != nil {
			slog.Warn("could not write default config", "path", path, "error", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			slog.Error("config file is not valid JSON, using defaults", "path", path, "error", err)
			cfg = DefaultConfig()
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config environment: %w", err)
	}

	cfg.validateTimezone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0600)
}

// Validate enforces the invariants the rest of the system assumes. Assistant
// name and language are required because the prompt template substitutes
// them unconditionally.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Assistant.Name) == "" {
		return fmt.Errorf("config: assistant.name is required")
	}
	if strings.TrimSpace(c.Assistant.Language) == "" {
		return fmt.Errorf("config: assistant.language is required")
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		return fmt.Errorf("config: model.name is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("config: model.temperature %v must be between 0 and 1", c.Model.Temperature)
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("config: model.max_tokens %d must be positive", c.Model.MaxTokens)
	}
	return nil
}

// validateTimezone coerces an unknown timezone to UTC instead of failing the
// whole load; date rendering in the prompt must never crash a turn.
func (c *Config) validateTimezone() {
	tz := strings.TrimSpace(c.Assistant.Timezone)
	if tz == "" {
		slog.Warn("no timezone configured, defaulting to UTC")
		c.Assistant.Timezone = "UTC"
		return
	}
	if _, err := time.LoadLocation(tz); err != nil {
		slog.Warn("configured timezone is not valid, defaulting to UTC", "timezone", tz)
		c.Assistant.Timezone = "UTC"
	}
}

// Location resolves the configured timezone. The timezone has been validated
// at load time, so failure here falls back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Assistant.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SetupLogging configures the process-wide slog default from config.
func SetupLogging(cfg LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
