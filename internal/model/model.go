// Package model is the in-process base model runtime: a small decoder-only
// transformer built on the autograd engine.
//
// The forward pass follows GPT-2 with rmsnorm instead of layernorm, ReLU
// instead of GeLU and no biases. Every projection is a named Linear module so
// an adapter can wrap it in place.
package model

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"loratune/internal/autograd"
)

const initStd = 0.08

// Precision is the numeric precision weights are held at.
type Precision string

const (
	Float32 Precision = "float32"
	Float64 Precision = "float64"
)

// ParsePrecision accepts float32/fp32, float64/fp64 and auto (float32).
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "float32", "fp32":
		return Float32, nil
	case "float64", "fp64":
		return Float64, nil
	default:
		return "", fmt.Errorf("unsupported precision %q", s)
	}
}

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
)

// Model holds the embeddings and the named linear modules.
type Model struct {
	cfg       Config
	wte       Matrix
	wpe       Matrix
	modules   map[string]Linear
	names     []string
	device    string
	precision Precision
	frozen    bool
}

// New builds a randomly initialized model.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if cfg.Architecture == "" {
		cfg.Architecture = ArchitectureTinyGPT
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		cfg:       cfg,
		wte:       NewMatrix(cfg.VocabSize, cfg.NEmbd, initStd, rng),
		wpe:       NewMatrix(cfg.BlockSize, cfg.NEmbd, initStd, rng),
		modules:   map[string]Linear{},
		names:     moduleNames(cfg),
		device:    DeviceCPU,
		precision: Float64,
	}
	for _, name := range m.names {
		out, in := moduleShape(cfg, name)
		m.modules[name] = &Dense{W: NewMatrix(out, in, initStd, rng)}
	}
	return m, nil
}

// FromState rebuilds a model from exported weights.
func FromState(cfg Config, state map[string][][]float64) (*Model, error) {
	if cfg.Architecture == "" {
		cfg.Architecture = ArchitectureTinyGPT
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{cfg: cfg, modules: map[string]Linear{}, names: moduleNames(cfg), device: DeviceCPU, precision: Float64}
	load := func(name string, rows, cols int) (Matrix, error) {
		src, ok := state[name]
		if !ok {
			return nil, fmt.Errorf("missing tensor %s", name)
		}
		mat, err := FromFloats(src)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if mat.Rows() != rows || mat.Cols() != cols {
			return nil, fmt.Errorf("tensor %s: shape %dx%d, want %dx%d", name, mat.Rows(), mat.Cols(), rows, cols)
		}
		return mat, nil
	}
	var err error
	if m.wte, err = load("wte", cfg.VocabSize, cfg.NEmbd); err != nil {
		return nil, err
	}
	if m.wpe, err = load("wpe", cfg.BlockSize, cfg.NEmbd); err != nil {
		return nil, err
	}
	for _, name := range m.names {
		out, in := moduleShape(cfg, name)
		w, err := load(name, out, in)
		if err != nil {
			return nil, err
		}
		m.modules[name] = &Dense{W: w}
	}
	return m, nil
}

func moduleNames(cfg Config) []string {
	names := make([]string, 0, 6*cfg.NLayer+1)
	for i := 0; i < cfg.NLayer; i++ {
		for _, suffix := range []string{"attn_wq", "attn_wk", "attn_wv", "attn_wo", "mlp_fc1", "mlp_fc2"} {
			names = append(names, fmt.Sprintf("layer%d.%s", i, suffix))
		}
	}
	return append(names, "lm_head")
}

// moduleShape returns (out, in) for a module name.
func moduleShape(cfg Config, name string) (int, int) {
	switch {
	case name == "lm_head":
		return cfg.VocabSize, cfg.NEmbd
	case strings.HasSuffix(name, ".mlp_fc1"):
		return 4 * cfg.NEmbd, cfg.NEmbd
	case strings.HasSuffix(name, ".mlp_fc2"):
		return cfg.NEmbd, 4 * cfg.NEmbd
	default:
		return cfg.NEmbd, cfg.NEmbd
	}
}

func (m *Model) Config() Config { return m.cfg }

func (m *Model) Device() string { return m.device }

func (m *Model) Precision() Precision { return m.precision }

// ModuleNames lists linear modules in forward order.
func (m *Model) ModuleNames() []string { return append([]string(nil), m.names...) }

func (m *Model) Module(name string) (Linear, bool) {
	l, ok := m.modules[name]
	return l, ok
}

// SetModule replaces an existing module. Shapes must match.
func (m *Model) SetModule(name string, l Linear) error {
	cur, ok := m.modules[name]
	if !ok {
		return fmt.Errorf("unknown module %q", name)
	}
	if cur.InFeatures() != l.InFeatures() || cur.OutFeatures() != l.OutFeatures() {
		return fmt.Errorf("module %s: shape %dx%d, want %dx%d", name, l.OutFeatures(), l.InFeatures(), cur.OutFeatures(), cur.InFeatures())
	}
	m.modules[name] = l
	return nil
}

// To places the model on a device. Only cpu exists; auto resolves to it.
func (m *Model) To(device string) error {
	switch strings.ToLower(strings.TrimSpace(device)) {
	case "", DeviceAuto, DeviceCPU:
		m.device = DeviceCPU
		return nil
	default:
		return fmt.Errorf("device %q is not available", device)
	}
}

// Cast rounds every dense weight to the given precision.
func (m *Model) Cast(p Precision) {
	if p == Float32 {
		for _, mat := range m.matrices() {
			for _, row := range mat {
				for _, v := range row {
					v.Data = float64(float32(v.Data))
				}
			}
		}
	}
	m.precision = p
}

// Freeze marks base weights as not trainable.
func (m *Model) Freeze() { m.frozen = true }

func (m *Model) Frozen() bool { return m.frozen }

// Params returns the base weights, or nil once frozen.
func (m *Model) Params() []*autograd.Value {
	if m.frozen {
		return nil
	}
	var out []*autograd.Value
	for _, mat := range m.matrices() {
		out = append(out, mat.Params()...)
	}
	return out
}

// matrices returns embeddings plus the weights of every Dense module.
func (m *Model) matrices() []Matrix {
	out := []Matrix{m.wte, m.wpe}
	for _, name := range m.names {
		if d, ok := m.modules[name].(*Dense); ok {
			out = append(out, d.W)
		}
	}
	return out
}

// State exports weights. It fails while any module is wrapped.
func (m *Model) State() (map[string][][]float64, error) {
	state := map[string][][]float64{"wte": m.wte.Floats(), "wpe": m.wpe.Floats()}
	for _, name := range m.names {
		d, ok := m.modules[name].(*Dense)
		if !ok {
			return nil, fmt.Errorf("module %s is wrapped; merge or detach the adapter before exporting", name)
		}
		state[name] = d.W.Floats()
	}
	return state, nil
}

// KVCache holds per-layer keys and values for the positions seen so far.
type KVCache struct {
	keys   [][][]*autograd.Value
	values [][][]*autograd.Value
}

func (m *Model) NewKVCache() *KVCache {
	return &KVCache{keys: make([][][]*autograd.Value, m.cfg.NLayer), values: make([][][]*autograd.Value, m.cfg.NLayer)}
}

// Len is the number of cached positions.
func (c *KVCache) Len() int {
	if len(c.keys) == 0 {
		return 0
	}
	return len(c.keys[0])
}

// Forward runs one position and returns next-token logits. Positions must be
// fed in order starting at 0 through the same cache.
func (m *Model) Forward(tokenID, pos int, cache *KVCache) []*autograd.Value {
	cfg := m.cfg
	if tokenID < 0 || tokenID >= cfg.VocabSize {
		panic(fmt.Sprintf("model: token id %d out of range [0,%d)", tokenID, cfg.VocabSize))
	}
	if pos < 0 || pos >= cfg.BlockSize {
		panic(fmt.Sprintf("model: position %d out of range [0,%d)", pos, cfg.BlockSize))
	}
	headDim := cfg.headDim()
	invSqrt := 1 / math.Sqrt(float64(headDim))

	x := make([]*autograd.Value, cfg.NEmbd)
	for i := range x {
		x[i] = autograd.Add(m.wte[tokenID][i], m.wpe[pos][i])
	}
	x = autograd.RMSNorm(x)

	for li := 0; li < cfg.NLayer; li++ {
		residual := x
		x = autograd.RMSNorm(x)
		q := m.modules[fmt.Sprintf("layer%d.attn_wq", li)].Forward(x)
		k := m.modules[fmt.Sprintf("layer%d.attn_wk", li)].Forward(x)
		v := m.modules[fmt.Sprintf("layer%d.attn_wv", li)].Forward(x)
		cache.keys[li] = append(cache.keys[li], k)
		cache.values[li] = append(cache.values[li], v)
		keys, values := cache.keys[li], cache.values[li]

		attn := make([]*autograd.Value, 0, cfg.NEmbd)
		for h := 0; h < cfg.NHead; h++ {
			hs := h * headDim
			qh := q[hs : hs+headDim]
			logits := make([]*autograd.Value, len(keys))
			for t := range keys {
				logits[t] = autograd.Scale(autograd.Dot(qh, keys[t][hs:hs+headDim]), invSqrt)
			}
			weights := autograd.Softmax(logits)
			for j := 0; j < headDim; j++ {
				terms := make([]*autograd.Value, len(values))
				for t := range values {
					terms[t] = autograd.Mul(weights[t], values[t][hs+j])
				}
				attn = append(attn, autograd.Sum(terms))
			}
		}

		x = m.modules[fmt.Sprintf("layer%d.attn_wo", li)].Forward(attn)
		for i := range x {
			x[i] = autograd.Add(x[i], residual[i])
		}

		residual = x
		x = autograd.RMSNorm(x)
		x = m.modules[fmt.Sprintf("layer%d.mlp_fc1", li)].Forward(x)
		for i := range x {
			x[i] = autograd.ReLU(x[i])
		}
		x = m.modules[fmt.Sprintf("layer%d.mlp_fc2", li)].Forward(x)
		for i := range x {
			x[i] = autograd.Add(x[i], residual[i])
		}
	}
	return m.modules["lm_head"].Forward(x)
}
