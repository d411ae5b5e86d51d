// Package config defines configuration loading for the simon service.
//
// Configuration comes from a single YAML file (default
// ~/.config/simon/config.yaml) with environment overrides for the
// database URL and the model-service API key. Values are validated once
// at load; the resulting Config is passed by value, never held as a
// global.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// General holds process-wide settings.
type General struct {
	DBURL    string `yaml:"db_url" validate:"required"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
	Env      string `yaml:"env" validate:"oneof=dev prod test"`
}

// ContextCfg bounds the hot path.
type ContextCfg struct {
	MaxContextTokens int           `yaml:"max_context_tokens" validate:"gt=0"`
	RetrieveTimeout  time.Duration `yaml:"retrieve_timeout" validate:"gt=0"`
	ClassifyTimeout  time.Duration `yaml:"classify_timeout" validate:"gt=0"`
	HookTimeout      time.Duration `yaml:"hook_timeout" validate:"gt=0"`
	ConversationDays int           `yaml:"conversation_days" validate:"gt=0"`
	ErrorHours       int           `yaml:"error_hours" validate:"gt=0"`
}

// Skills configures quality gating and generation.
type Skills struct {
	AutoGenerate       bool     `yaml:"auto_generate"`
	MinQualityScore    float64  `yaml:"min_quality_score" validate:"gte=0,lte=1"`
	DefaultScope       string   `yaml:"default_scope" validate:"oneof=personal project"`
	MaxAutoPerDay      int      `yaml:"max_auto_per_day" validate:"gt=0"`
	PersonalDir        string   `yaml:"personal_dir" validate:"required"`
	ProjectDir         string   `yaml:"project_dir" validate:"required"`
	ConfirmationTokens []string `yaml:"confirmation_tokens"`
	SummaryMaxChars    int      `yaml:"summary_max_chars" validate:"gt=0"`
}

// Worker configures the cold path.
type Worker struct {
	Parallelism       int           `yaml:"parallelism" validate:"gte=1,lte=32"`
	Lease             time.Duration `yaml:"lease" validate:"gt=0"`
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gt=0"`
	MaxIdleSleep      time.Duration `yaml:"max_idle_sleep" validate:"gt=0"`
	BackoffBase       time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffCeiling    time.Duration `yaml:"backoff_ceiling" validate:"gt=0"`
	QueueSoftCap      int           `yaml:"queue_soft_cap" validate:"gt=0"`
	BackpressureDelay time.Duration `yaml:"backpressure_delay" validate:"gte=0"`
	JobRetention      time.Duration `yaml:"job_retention" validate:"gt=0"`
	MetricsAddr       string        `yaml:"metrics_addr"`
}

// Model configures the optional large-model collaborator.
type Model struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url" validate:"required"`
	Name        string        `yaml:"name" validate:"required"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
}

// Config is the full configuration tree.
type Config struct {
	General General    `yaml:"general"`
	Context ContextCfg `yaml:"context"`
	Skills  Skills     `yaml:"skills"`
	Worker  Worker     `yaml:"worker"`
	Model   Model      `yaml:"model"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// envOverrides are the only environment-sourced values.
type envOverrides struct {
	DBURL  string `env:"DB_URL"`
	APIKey string `env:"ANTHROPIC_API_KEY"`
}

// Default returns the documented defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		General: General{
			DBURL:    "postgres://localhost:5432/simon?sslmode=disable",
			LogLevel: "info",
			Env:      "prod",
		},
		Context: ContextCfg{
			MaxContextTokens: 1500,
			RetrieveTimeout:  1500 * time.Millisecond,
			ClassifyTimeout:  500 * time.Millisecond,
			HookTimeout:      2 * time.Second,
			ConversationDays: 14,
			ErrorHours:       72,
		},
		Skills: Skills{
			AutoGenerate:    true,
			MinQualityScore: 0.6,
			DefaultScope:    "personal",
			MaxAutoPerDay:   3,
			PersonalDir:     filepath.Join(home, ".claude"),
			ProjectDir:      ".claude",
			ConfirmationTokens: []string{
				"works", "working", "thanks", "thank you",
				"perfect", "great", "lgtm", "done",
			},
			SummaryMaxChars: 200,
		},
		Worker: Worker{
			Parallelism:       2,
			Lease:             60 * time.Second,
			PollInterval:      500 * time.Millisecond,
			MaxIdleSleep:      5 * time.Second,
			BackoffBase:       30 * time.Second,
			BackoffCeiling:    time.Hour,
			QueueSoftCap:      500,
			BackpressureDelay: 5 * time.Minute,
			JobRetention:      7 * 24 * time.Hour,
			MetricsAddr:       ":9090",
		},
		Model: Model{
			BaseURL:     "https://api.anthropic.com",
			Name:        "claude-haiku-4-5-20251001",
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
		},
		ServiceName: "simon",
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "simon", "config.yaml")
}

// Load reads the config file at path (DefaultPath when empty), applies
// environment overrides and validates. A missing file yields defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("op=config.Load path=%s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults
	default:
		return Config{}, fmt.Errorf("op=config.Load path=%s: %w", path, err)
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("op=config.Load env: %w", err)
	}
	if ov.DBURL != "" {
		cfg.General.DBURL = ov.DBURL
	}
	if ov.APIKey != "" {
		cfg.Model.APIKey = ov.APIKey
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load validate: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the service runs in development mode.
func (c Config) IsDev() bool { return c.General.Env == "dev" }
