package model

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"loratune/internal/tokenizer"
)

type fakeLoader struct {
	failFirst int
	calls     []LoadOptions
}

func (f *fakeLoader) Load(_ context.Context, ref string, opts LoadOptions) (*Model, *tokenizer.Tokenizer, error) {
	f.calls = append(f.calls, opts)
	if len(f.calls) <= f.failFirst {
		return nil, nil, errors.New("out of memory")
	}
	tok := tokenizer.NewChar([]string{"ab"})
	m, err := New(tinyConfig(tok.VocabSize()), rand.New(rand.NewSource(1)))
	if err != nil {
		return nil, nil, err
	}
	m.Cast(opts.Precision)
	return m, tok, nil
}

func TestLoadWithStrategies_FallsBack(t *testing.T) {
	f := &fakeLoader{failFirst: 1}
	m, _, s, err := LoadWithStrategies(context.Background(), f, "x", DefaultStrategies("", ""), zerolog.Nop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Name != "fallback" || m.Precision() != Float64 {
		t.Fatalf("unexpected tier %+v precision %s", s, m.Precision())
	}
	if len(f.calls) != 2 || f.calls[0].Precision != Float32 || f.calls[0].Device != DeviceAuto {
		t.Fatalf("unexpected calls: %+v", f.calls)
	}
}

func TestLoadWithStrategies_AllFail(t *testing.T) {
	f := &fakeLoader{failFirst: 5}
	_, _, _, err := LoadWithStrategies(context.Background(), f, "x", DefaultStrategies("cpu", Float32), zerolog.Nop())
	if !IsModelLoad(err) {
		t.Fatalf("expected model load error, got %v", err)
	}
	if len(f.calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(f.calls))
	}
}

func TestLoadWithStrategies_SingleTierNoRetry(t *testing.T) {
	f := &fakeLoader{failFirst: 1}
	tiers := DefaultStrategies("", "")[:1]
	if _, _, _, err := LoadWithStrategies(context.Background(), f, "x", tiers, zerolog.Nop()); !IsModelLoad(err) {
		t.Fatalf("expected model load error, got %v", err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(f.calls))
	}
}

func TestLocalLoader_ResolvesCacheIdentifier(t *testing.T) {
	cache := t.TempDir()
	tok := tokenizer.NewChar([]string{"hello"})
	m, _ := New(tinyConfig(tok.VocabSize()), rand.New(rand.NewSource(2)))
	if err := SaveDir(filepath.Join(cache, "acme--tiny"), m, tok, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	l := LocalLoader{CacheDir: cache}
	got, _, err := l.Load(context.Background(), "acme/tiny", LoadOptions{Device: DeviceAuto, Precision: Float32})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Device() != DeviceCPU || got.Precision() != Float32 {
		t.Fatalf("placement: %s %s", got.Device(), got.Precision())
	}
	if _, _, err := l.Load(context.Background(), "acme/tiny", LoadOptions{Device: "cuda"}); err == nil {
		t.Fatalf("expected device error")
	}
	if _, _, err := l.Load(context.Background(), "acme/missing", LoadOptions{}); err == nil {
		t.Fatalf("expected not found error")
	}
}
