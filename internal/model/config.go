package model

import "fmt"

// ArchitectureTinyGPT is the only architecture this runtime executes.
const ArchitectureTinyGPT = "tiny-gpt"

// Config describes the shape of a base model (config.json).
type Config struct {
	Architecture string `json:"architecture"`
	VocabSize    int    `json:"vocab_size"`
	NLayer       int    `json:"n_layer"`
	NEmbd        int    `json:"n_embd"`
	NHead        int    `json:"n_head"`
	BlockSize    int    `json:"block_size"`
}

// DefaultConfig is a small model suitable for CPU fine-tuning; the caller
// fills VocabSize from the tokenizer.
func DefaultConfig() Config {
	return Config{Architecture: ArchitectureTinyGPT, NLayer: 1, NEmbd: 16, NHead: 4, BlockSize: 64}
}

func (c Config) Validate() error {
	if c.Architecture != "" && c.Architecture != ArchitectureTinyGPT {
		return fmt.Errorf("unsupported architecture %q", c.Architecture)
	}
	if c.VocabSize < 1 || c.NLayer < 1 || c.NEmbd < 1 || c.NHead < 1 || c.BlockSize < 2 {
		return fmt.Errorf("invalid model config: %+v", c)
	}
	if c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("invalid model config: n_embd %d must be divisible by n_head %d", c.NEmbd, c.NHead)
	}
	return nil
}

func (c Config) headDim() int { return c.NEmbd / c.NHead }
