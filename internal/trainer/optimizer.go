package trainer

import (
	"math"

	"loratune/internal/autograd"
)

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	Beta1, Beta2, Eps, WeightDecay float64

	params []*autograd.Value
	m, v   []float64
	step   int
}

func NewAdamW(params []*autograd.Value, weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		params:      params,
		m:           make([]float64, len(params)),
		v:           make([]float64, len(params)),
	}
}

// Step applies one update at learning rate lr and clears gradients.
func (o *AdamW) Step(lr float64) {
	o.step++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.step))
	for i, p := range o.params {
		g := p.Grad
		if o.WeightDecay > 0 {
			p.Data -= lr * o.WeightDecay * p.Data
		}
		o.m[i] = o.Beta1*o.m[i] + (1-o.Beta1)*g
		o.v[i] = o.Beta2*o.v[i] + (1-o.Beta2)*g*g
		mHat := o.m[i] / bc1
		vHat := o.v[i] / bc2
		p.Data -= lr * mHat / (math.Sqrt(vHat) + o.Eps)
		p.Grad = 0
	}
}

// OptimizerState is persisted as optimizer.json in checkpoints.
type OptimizerState struct {
	Step        int       `json:"step"`
	Beta1       float64   `json:"beta1"`
	Beta2       float64   `json:"beta2"`
	Eps         float64   `json:"eps"`
	WeightDecay float64   `json:"weight_decay"`
	M           []float64 `json:"exp_avg"`
	V           []float64 `json:"exp_avg_sq"`
}

// State snapshots the moments; later steps do not alter it.
func (o *AdamW) State() OptimizerState {
	return OptimizerState{
		Step:        o.step,
		Beta1:       o.Beta1,
		Beta2:       o.Beta2,
		Eps:         o.Eps,
		WeightDecay: o.WeightDecay,
		M:           append([]float64(nil), o.m...),
		V:           append([]float64(nil), o.v...),
	}
}

// Schedule is linear warmup to Base over Warmup steps, then linear decay to
// zero at Total.
type Schedule struct {
	Base   float64
	Warmup int
	Total  int
}

// LR is the rate for the zero-based optimizer step.
func (s Schedule) LR(step int) float64 {
	if step < s.Warmup {
		return s.Base * float64(step) / float64(max(1, s.Warmup))
	}
	return s.Base * math.Max(0, float64(s.Total-step)/float64(max(1, s.Total-s.Warmup)))
}
