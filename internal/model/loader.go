package model

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"loratune/internal/registry"
	"loratune/internal/tokenizer"
)

// LoadOptions select the device and precision a model is loaded at.
type LoadOptions struct {
	Device    string
	Precision Precision
}

func (o LoadOptions) String() string {
	return fmt.Sprintf("device=%s precision=%s", o.Device, o.Precision)
}

// Loader produces a model/tokenizer pair from a base model reference.
type Loader interface {
	Load(ctx context.Context, ref string, opts LoadOptions) (*Model, *tokenizer.Tokenizer, error)
}

// Strategy is one load attempt in an ordered list.
type Strategy struct {
	Name    string
	Options LoadOptions
}

// DefaultStrategies returns the preferred tier at the configured device and
// precision, then the cpu/float64 fallback.
func DefaultStrategies(device string, precision Precision) []Strategy {
	if device == "" {
		device = DeviceAuto
	}
	if precision == "" {
		precision = Float32
	}
	return []Strategy{
		{Name: "preferred", Options: LoadOptions{Device: device, Precision: precision}},
		{Name: "fallback", Options: LoadOptions{Device: DeviceCPU, Precision: Float64}},
	}
}

// LoadWithStrategies tries each tier in order and returns the first success
// together with the tier that produced it. All tiers failing yields a model
// load error wrapping the last cause.
func LoadWithStrategies(ctx context.Context, l Loader, ref string, tiers []Strategy, log zerolog.Logger) (*Model, *tokenizer.Tokenizer, Strategy, error) {
	if len(tiers) == 0 {
		return nil, nil, Strategy{}, ErrModelLoad(ref, nil, fmt.Errorf("no load strategies configured"))
	}
	var (
		last     error
		attempts []string
	)
	for _, s := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, nil, Strategy{}, ErrModelLoad(ref, attempts, err)
		}
		attempts = append(attempts, s.Name)
		m, tok, err := l.Load(ctx, ref, s.Options)
		if err == nil {
			log.Info().Str("ref", ref).Str("strategy", s.Name).Str("device", m.Device()).Str("precision", string(m.Precision())).Msg("base model loaded")
			return m, tok, s, nil
		}
		log.Warn().Err(err).Str("ref", ref).Str("strategy", s.Name).Msg("base model load attempt failed")
		last = err
	}
	return nil, nil, Strategy{}, ErrModelLoad(ref, attempts, last)
}

// LocalLoader reads base-model directories from disk, resolving identifiers
// through the model cache.
type LocalLoader struct {
	CacheDir string
}

func (l LocalLoader) Load(ctx context.Context, ref string, opts LoadOptions) (*Model, *tokenizer.Tokenizer, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	dir, err := registry.Resolve(ref, l.CacheDir)
	if err != nil {
		return nil, nil, err
	}
	m, tok, err := LoadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", dir, err)
	}
	if err := m.To(opts.Device); err != nil {
		return nil, nil, err
	}
	p := opts.Precision
	if p == "" {
		p = Float32
	}
	m.Cast(p)
	return m, tok, nil
}
