package trainer

import (
	"fmt"
	"strings"

	"loratune/internal/lora"
)

// State is the trainer lifecycle state.
type State string

const (
	StateInitializing  State = "initializing"
	StateRunning       State = "running"
	StateCheckpointing State = "checkpointing"
	StateFinalizing    State = "finalizing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

var transitions = map[State][]State{
	StateInitializing:  {StateRunning, StateFailed},
	StateRunning:       {StateCheckpointing, StateFinalizing, StateFailed},
	StateCheckpointing: {StateRunning, StateFailed},
	StateFinalizing:    {StateCompleted, StateFailed},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Args are the training hyperparameters.
type Args struct {
	Epochs         int
	BatchSize      int
	MaxLength      int
	LearningRate   float64
	WarmupSteps    int
	WeightDecay    float64
	LoggingSteps   int
	SaveSteps      int
	SaveTotalLimit int
	Seed           int64
	Device         string
	Precision      string
	LoRA           lora.Config
}

func DefaultArgs() Args {
	return Args{
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
		LoRA:           lora.DefaultConfig(),
	}
}

func (a Args) Validate() error {
	var problems []string
	if a.Epochs < 1 {
		problems = append(problems, "epochs must be >= 1")
	}
	if a.BatchSize < 1 {
		problems = append(problems, "batch_size must be >= 1")
	}
	if a.MaxLength < 2 {
		problems = append(problems, "max_length must be >= 2")
	}
	if a.LearningRate <= 0 {
		problems = append(problems, "learning_rate must be > 0")
	}
	if a.WarmupSteps < 0 {
		problems = append(problems, "warmup_steps must be >= 0")
	}
	if a.WeightDecay < 0 {
		problems = append(problems, "weight_decay must be >= 0")
	}
	if a.LoggingSteps < 1 {
		problems = append(problems, "logging_steps must be >= 1")
	}
	if a.SaveSteps < 1 {
		problems = append(problems, "save_steps must be >= 1")
	}
	if a.SaveTotalLimit < 0 {
		problems = append(problems, "save_total_limit must be >= 0")
	}
	if err := a.LoRA.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid training args: %s", strings.Join(problems, "; "))
	}
	return nil
}
