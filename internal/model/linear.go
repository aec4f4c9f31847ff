package model

import "loratune/internal/autograd"

// Linear is a named projection inside the model that an adapter may wrap.
type Linear interface {
	Forward(x []*autograd.Value) []*autograd.Value
	InFeatures() int
	OutFeatures() int
}

// Dense is a bias-free linear layer with weight W (out x in).
type Dense struct {
	W Matrix
}

func (d *Dense) Forward(x []*autograd.Value) []*autograd.Value { return d.W.Apply(x) }
func (d *Dense) InFeatures() int                               { return d.W.Cols() }
func (d *Dense) OutFeatures() int                              { return d.W.Rows() }
