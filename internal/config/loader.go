package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix scopes environment overrides, e.g. LORATUNE_TRAIN_EPOCHS.
const EnvPrefix = "LORATUNE_"

// Config holds every tunable of the pipeline.
// Values are layered: Default, then the config file, then the environment,
// then command-line flags.
type Config struct {
	CacheDir    string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir" env:"CACHE_DIR"`
	MetricsFile string `json:"metrics_file" yaml:"metrics_file" toml:"metrics_file" env:"METRICS_FILE"`

	Log    LogConfig    `json:"log" yaml:"log" toml:"log" envPrefix:"LOG_"`
	Train  TrainConfig  `json:"train" yaml:"train" toml:"train" envPrefix:"TRAIN_"`
	LoRA   LoRAConfig   `json:"lora" yaml:"lora" toml:"lora" envPrefix:"LORA_"`
	Infer  InferConfig  `json:"infer" yaml:"infer" toml:"infer" envPrefix:"INFER_"`
	Status StatusConfig `json:"status" yaml:"status" toml:"status" envPrefix:"STATUS_"`
}

// StatusConfig enables the HTTP status server during training. An empty
// Addr keeps it off.
type StatusConfig struct {
	Addr        string   `json:"addr" yaml:"addr" toml:"addr" env:"ADDR"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" toml:"format" env:"FORMAT"`
}

type TrainConfig struct {
	Epochs         int     `json:"epochs" yaml:"epochs" toml:"epochs" env:"EPOCHS"`
	BatchSize      int     `json:"batch_size" yaml:"batch_size" toml:"batch_size" env:"BATCH_SIZE"`
	MaxLength      int     `json:"max_length" yaml:"max_length" toml:"max_length" env:"MAX_LENGTH"`
	LearningRate   float64 `json:"learning_rate" yaml:"learning_rate" toml:"learning_rate" env:"LEARNING_RATE"`
	WarmupSteps    int     `json:"warmup_steps" yaml:"warmup_steps" toml:"warmup_steps" env:"WARMUP_STEPS"`
	WeightDecay    float64 `json:"weight_decay" yaml:"weight_decay" toml:"weight_decay" env:"WEIGHT_DECAY"`
	LoggingSteps   int     `json:"logging_steps" yaml:"logging_steps" toml:"logging_steps" env:"LOGGING_STEPS"`
	SaveSteps      int     `json:"save_steps" yaml:"save_steps" toml:"save_steps" env:"SAVE_STEPS"`
	SaveTotalLimit int     `json:"save_total_limit" yaml:"save_total_limit" toml:"save_total_limit" env:"SAVE_TOTAL_LIMIT"`
	Seed           int64   `json:"seed" yaml:"seed" toml:"seed" env:"SEED"`
	Device         string  `json:"device" yaml:"device" toml:"device" env:"DEVICE"`
	Precision      string  `json:"precision" yaml:"precision" toml:"precision" env:"PRECISION"`
	// Delimiter overrides the dataset separator; empty picks by extension.
	Delimiter   string `json:"delimiter" yaml:"delimiter" toml:"delimiter" env:"DELIMITER"`
	ProgressBar bool   `json:"progress_bar" yaml:"progress_bar" toml:"progress_bar" env:"PROGRESS_BAR"`
}

type LoRAConfig struct {
	R             int      `json:"r" yaml:"r" toml:"r" env:"R"`
	Alpha         float64  `json:"alpha" yaml:"alpha" toml:"alpha" env:"ALPHA"`
	TargetModules []string `json:"target_modules" yaml:"target_modules" toml:"target_modules" env:"TARGET_MODULES" envSeparator:","`
	Dropout       float64  `json:"dropout" yaml:"dropout" toml:"dropout" env:"DROPOUT"`
	Bias          string   `json:"bias" yaml:"bias" toml:"bias" env:"BIAS"`
	TaskType      string   `json:"task_type" yaml:"task_type" toml:"task_type" env:"TASK_TYPE"`
}

type InferConfig struct {
	MaxLength    int     `json:"max_length" yaml:"max_length" toml:"max_length" env:"MAX_LENGTH"`
	TopK         int     `json:"top_k" yaml:"top_k" toml:"top_k" env:"TOP_K"`
	TopP         float64 `json:"top_p" yaml:"top_p" toml:"top_p" env:"TOP_P"`
	Temperature  float64 `json:"temperature" yaml:"temperature" toml:"temperature" env:"TEMPERATURE"`
	Seed         int64   `json:"seed" yaml:"seed" toml:"seed" env:"SEED"`
	ChatTemplate bool    `json:"chat_template" yaml:"chat_template" toml:"chat_template" env:"CHAT_TEMPLATE"`
	Device       string  `json:"device" yaml:"device" toml:"device" env:"DEVICE"`
	Precision    string  `json:"precision" yaml:"precision" toml:"precision" env:"PRECISION"`
}

// Default mirrors the reference fine-tuning recipe.
func Default() Config {
	return Config{
		CacheDir: "~/.cache/loratune/models",
		Log:      LogConfig{Level: "info", Format: "console"},
		Train: TrainConfig{
			Epochs:         3,
			BatchSize:      2,
			MaxLength:      512,
			LearningRate:   2e-4,
			WarmupSteps:    5,
			LoggingSteps:   1,
			SaveSteps:      50,
			SaveTotalLimit: 1,
			Seed:           42,
			Device:         "auto",
			Precision:      "float32",
		},
		LoRA: LoRAConfig{
			R:             8,
			Alpha:         16,
			TargetModules: []string{"attn_wq", "attn_wk", "attn_wv"},
			Dropout:       0.1,
			Bias:          "none",
			TaskType:      "CAUSAL_LM",
		},
		Infer: InferConfig{
			MaxLength:   100,
			TopK:        50,
			TopP:        0.95,
			Temperature: 1.0,
			Device:      "auto",
			Precision:   "float32",
		},
	}
}

// Load reads a configuration file based on its extension, layered over Default.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// LoadEnvFile exports the variables of a .env file. Variables already set
// in the process environment win.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays LORATUNE_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix})
}

// Resolve builds the effective configuration: defaults, then path (if set),
// then the environment, then validation. Failures are config errors.
func Resolve(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, ErrConfig("load "+path, err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, ErrConfig("environment", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that no downstream component re-checks.
func (c Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return ErrConfig("log.format", fmt.Errorf("unsupported log format %q (want console or json)", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error", "off":
	default:
		return ErrConfig("log.level", fmt.Errorf("invalid log level %q", c.Log.Level))
	}
	if d := c.Train.Delimiter; d != "" && d != `\t` && len([]rune(d)) != 1 {
		return ErrConfig("train.delimiter", fmt.Errorf("delimiter must be a single character, got %q", d))
	}
	if c.Infer.MaxLength < 1 {
		return ErrConfig("infer.max_length", fmt.Errorf("must be >= 1, got %d", c.Infer.MaxLength))
	}
	if c.Infer.TopK < 0 {
		return ErrConfig("infer.top_k", fmt.Errorf("must be >= 0, got %d", c.Infer.TopK))
	}
	if c.Infer.TopP < 0 || c.Infer.TopP > 1 {
		return ErrConfig("infer.top_p", fmt.Errorf("must be in [0,1], got %v", c.Infer.TopP))
	}
	if c.Infer.Temperature <= 0 {
		return ErrConfig("infer.temperature", fmt.Errorf("must be > 0, got %v", c.Infer.Temperature))
	}
	return nil
}

// DelimiterRune decodes Train.Delimiter; zero means "by extension".
func (c Config) DelimiterRune() rune {
	switch d := c.Train.Delimiter; d {
	case "":
		return 0
	case `\t`:
		return '\t'
	default:
		return []rune(d)[0]
	}
}

type configError struct {
	field string
	err   error
}

func (e configError) Error() string {
	return "invalid configuration (" + e.field + "): " + e.err.Error()
}
func (e configError) Unwrap() error { return e.err }

// ErrConfig wraps a configuration problem in field.
func ErrConfig(field string, cause error) error {
	return configError{field: field, err: cause}
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	var e configError
	return errors.As(err, &e)
}
