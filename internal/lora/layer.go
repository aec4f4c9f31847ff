package lora

import (
	"math"
	"math/rand"

	"loratune/internal/autograd"
	"loratune/internal/model"
)

// Layer wraps a frozen dense module: y = W x + scaling * B A dropout(x).
type Layer struct {
	Base    *model.Dense
	A       model.Matrix // r x in
	B       model.Matrix // out x r
	Scaling float64
	Dropout float64

	rng      *rand.Rand
	training bool
}

// NewLayer initializes A kaiming-uniform and B at zero, so the wrapped
// module starts out computing exactly what the base did.
func NewLayer(base *model.Dense, r int, scaling, dropout float64, rng *rand.Rand) *Layer {
	in, out := base.InFeatures(), base.OutFeatures()
	bound := 1 / math.Sqrt(float64(in))
	a := model.Zeros(r, in)
	for _, row := range a {
		for _, v := range row {
			v.Data = (rng.Float64()*2 - 1) * bound
		}
	}
	return &Layer{Base: base, A: a, B: model.Zeros(out, r), Scaling: scaling, Dropout: dropout, rng: rng}
}

func (l *Layer) InFeatures() int  { return l.Base.InFeatures() }
func (l *Layer) OutFeatures() int { return l.Base.OutFeatures() }

func (l *Layer) Forward(x []*autograd.Value) []*autograd.Value {
	base := l.Base.Forward(x)
	xd := x
	if l.training && l.Dropout > 0 {
		keep := 1 / (1 - l.Dropout)
		xd = make([]*autograd.Value, len(x))
		for i, v := range x {
			if l.rng.Float64() < l.Dropout {
				xd[i] = autograd.V(0)
				continue
			}
			xd[i] = autograd.Scale(v, keep)
		}
	}
	delta := l.B.Apply(l.A.Apply(xd))
	out := make([]*autograd.Value, len(base))
	for i := range base {
		out[i] = autograd.Add(base[i], autograd.Scale(delta[i], l.Scaling))
	}
	return out
}

// Params returns A then B.
func (l *Layer) Params() []*autograd.Value {
	return append(l.A.Params(), l.B.Params()...)
}

// merged returns a dense module with W + scaling * B A folded in.
func (l *Layer) merged() *model.Dense {
	w := l.Base.W.Floats()
	r := l.A.Rows()
	for i := range w {
		for j := range w[i] {
			s := 0.0
			for k := 0; k < r; k++ {
				s += l.B[i][k].Data * l.A[k][j].Data
			}
			w[i][j] += l.Scaling * s
		}
	}
	mat, _ := model.FromFloats(w)
	return &model.Dense{W: mat}
}
