// Package lora implements low-rank adaptation of the model's linear modules.
package lora

import (
	"fmt"
	"strings"
)

const (
	BiasNone     = "none"
	TaskCausalLM = "CAUSAL_LM"

	// AllLinear targets every linear module except the output head.
	AllLinear = "all-linear"
)

// Config is the adapter hyperparameter set recorded in adapter_config.json.
type Config struct {
	R             int      `json:"r" yaml:"r" toml:"r"`
	Alpha         float64  `json:"lora_alpha" yaml:"lora_alpha" toml:"lora_alpha"`
	TargetModules []string `json:"target_modules" yaml:"target_modules" toml:"target_modules"`
	Dropout       float64  `json:"lora_dropout" yaml:"lora_dropout" toml:"lora_dropout"`
	Bias          string   `json:"bias" yaml:"bias" toml:"bias"`
	TaskType      string   `json:"task_type" yaml:"task_type" toml:"task_type"`
}

// DefaultConfig adapts the attention input projections.
func DefaultConfig() Config {
	return Config{
		R:             8,
		Alpha:         16,
		TargetModules: []string{"attn_wq", "attn_wk", "attn_wv"},
		Dropout:       0.1,
		Bias:          BiasNone,
		TaskType:      TaskCausalLM,
	}
}

// Scaling is alpha / r.
func (c Config) Scaling() float64 { return c.Alpha / float64(c.R) }

func (c Config) Validate() error {
	if c.R <= 0 {
		return fmt.Errorf("lora r must be positive, got %d", c.R)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("lora_alpha must be positive, got %v", c.Alpha)
	}
	if len(c.TargetModules) == 0 {
		return fmt.Errorf("target_modules is empty")
	}
	for _, t := range c.TargetModules {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("target_modules contains an empty name")
		}
		if t == AllLinear && len(c.TargetModules) > 1 {
			return fmt.Errorf("%s cannot be combined with other target modules", AllLinear)
		}
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("lora_dropout must be in [0,1), got %v", c.Dropout)
	}
	if c.Bias != BiasNone {
		return fmt.Errorf("bias %q is not supported; the base model has no bias terms", c.Bias)
	}
	if c.TaskType != TaskCausalLM {
		return fmt.Errorf("task_type %q is not supported", c.TaskType)
	}
	return nil
}

// Matches reports whether a module name is targeted.
func (c Config) Matches(name string) bool {
	for _, t := range c.TargetModules {
		if t == AllLinear {
			return name != "lm_head"
		}
		if name == t || strings.HasSuffix(name, "."+t) {
			return true
		}
	}
	return false
}
