package model

import (
	"context"
	"math/rand"

	"loratune/internal/autograd"
)

// GenerateOptions control sampling. MaxLength counts prompt tokens too.
type GenerateOptions struct {
	MaxLength   int
	Temperature float64
	TopK        int
	TopP        float64
	// StopID ends generation when sampled; -1 disables it.
	StopID int
}

// Generate extends prompt by sampling until MaxLength (capped by the block
// size) or StopID. The returned slice holds prompt and continuation; a
// sampled stop token is included.
func Generate(ctx context.Context, m *Model, prompt []int, opts GenerateOptions, rng *rand.Rand) ([]int, error) {
	limit := opts.MaxLength
	if limit <= 0 || limit > m.cfg.BlockSize {
		limit = m.cfg.BlockSize
	}
	if len(prompt) > limit {
		prompt = prompt[len(prompt)-limit:]
	}
	seq := append([]int(nil), prompt...)
	if len(seq) == 0 || len(seq) >= limit {
		return seq, nil
	}
	cache := m.NewKVCache()
	var logits []*autograd.Value
	for pos, id := range seq {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits = m.Forward(id, pos, cache)
	}
	for len(seq) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w := NextTokenWeights(autograd.Data(logits), opts.Temperature, opts.TopK, opts.TopP)
		next := SampleWeighted(rng, w)
		seq = append(seq, next)
		if next == opts.StopID || len(seq) >= limit {
			break
		}
		logits = m.Forward(next, len(seq)-1, cache)
	}
	return seq, nil
}
