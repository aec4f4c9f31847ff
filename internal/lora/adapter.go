package lora

import (
	"fmt"
	"math/rand"
	"sort"

	"loratune/internal/autograd"
	"loratune/internal/model"
)

// ModuleWeights is the exported delta of one module.
type ModuleWeights struct {
	A [][]float64 `json:"lora_A"`
	B [][]float64 `json:"lora_B"`
}

// Weights maps module names to their exported deltas.
type Weights map[string]ModuleWeights

// Adapted is a model with adapter layers attached.
type Adapted struct {
	model   *model.Model
	cfg     Config
	targets []string
	layers  map[string]*Layer
	merged  bool
}

// Attach wraps every targeted module of m. Base weights are frozen.
func Attach(m *model.Model, cfg Config, rng *rand.Rand) (*Adapted, error) {
	if err := cfg.Validate(); err != nil {
		return nil, ErrAdapterAttach("invalid adapter config", err)
	}
	a := &Adapted{model: m, cfg: cfg, layers: map[string]*Layer{}}
	for _, name := range m.ModuleNames() {
		if !cfg.Matches(name) {
			continue
		}
		mod, _ := m.Module(name)
		dense, ok := mod.(*model.Dense)
		if !ok {
			return nil, ErrAdapterAttach(fmt.Sprintf("module %s is already wrapped", name), nil)
		}
		a.layers[name] = NewLayer(dense, cfg.R, cfg.Scaling(), cfg.Dropout, rng)
		a.targets = append(a.targets, name)
	}
	if len(a.targets) == 0 {
		return nil, ErrAdapterAttach(fmt.Sprintf("no module matches target_modules %v", cfg.TargetModules), nil)
	}
	for _, name := range a.targets {
		if err := m.SetModule(name, a.layers[name]); err != nil {
			return nil, ErrAdapterAttach("wrap "+name, err)
		}
	}
	m.Freeze()
	return a, nil
}

func (a *Adapted) Model() *model.Model { return a.model }

func (a *Adapted) Config() Config { return a.cfg }

// Targets lists wrapped modules in forward order.
func (a *Adapted) Targets() []string { return append([]string(nil), a.targets...) }

// TrainableParams returns the adapter parameters; base weights are excluded.
func (a *Adapted) TrainableParams() []*autograd.Value {
	var out []*autograd.Value
	for _, name := range a.targets {
		out = append(out, a.layers[name].Params()...)
	}
	return out
}

// Train toggles dropout.
func (a *Adapted) Train(on bool) {
	for _, l := range a.layers {
		l.training = on
	}
}

// Weights exports the current deltas; nil once merged.
func (a *Adapted) Weights() Weights {
	if a.merged {
		return nil
	}
	w := make(Weights, len(a.targets))
	for _, name := range a.targets {
		l := a.layers[name]
		w[name] = ModuleWeights{A: l.A.Floats(), B: l.B.Floats()}
	}
	return w
}

// LoadWeights replaces adapter parameters. The set of modules and every
// shape must match what Attach produced.
func (a *Adapted) LoadWeights(w Weights) error {
	if a.merged {
		return fmt.Errorf("adapter already merged")
	}
	for name := range w {
		if _, ok := a.layers[name]; !ok {
			return fmt.Errorf("weights for module %s, which the adapter config does not target", name)
		}
	}
	next := make(map[string][2]model.Matrix, len(a.targets))
	for _, name := range a.targets {
		mw, ok := w[name]
		if !ok {
			return fmt.Errorf("missing weights for module %s", name)
		}
		l := a.layers[name]
		am, err := model.FromFloats(mw.A)
		if err != nil {
			return fmt.Errorf("%s lora_A: %w", name, err)
		}
		bm, err := model.FromFloats(mw.B)
		if err != nil {
			return fmt.Errorf("%s lora_B: %w", name, err)
		}
		if am.Rows() != l.A.Rows() || am.Cols() != l.A.Cols() || bm.Rows() != l.B.Rows() || bm.Cols() != l.B.Cols() {
			return fmt.Errorf("%s: shape mismatch A %dx%d B %dx%d, want A %dx%d B %dx%d", name,
				am.Rows(), am.Cols(), bm.Rows(), bm.Cols(), l.A.Rows(), l.A.Cols(), l.B.Rows(), l.B.Cols())
		}
		next[name] = [2]model.Matrix{am, bm}
	}
	for name, mats := range next {
		a.layers[name].A, a.layers[name].B = mats[0], mats[1]
	}
	return nil
}

// MergeAndUnload folds every delta into its base weights and restores plain
// dense modules. The adapter cannot be used afterwards.
func (a *Adapted) MergeAndUnload() (*model.Model, error) {
	if a.merged {
		return nil, fmt.Errorf("adapter already merged")
	}
	names := append([]string(nil), a.targets...)
	sort.Strings(names)
	for _, name := range names {
		if err := a.model.SetModule(name, a.layers[name].merged()); err != nil {
			return nil, err
		}
	}
	a.merged = true
	a.layers = nil
	return a.model, nil
}
