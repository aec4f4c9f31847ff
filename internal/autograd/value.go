// Package autograd is a scalar reverse-mode automatic differentiation engine.
//
// Every arithmetic op returns a new *Value that records its children and the
// local derivative with respect to each child. Backward walks the graph in
// reverse topological order and accumulates gradients into Grad.
package autograd

import "math"

// Value represents a scalar for autograd.
type Value struct {
	Data       float64
	Grad       float64
	Children   []*Value
	LocalGrads []float64
}

// V wraps a constant or a leaf parameter.
func V(x float64) *Value {
	return &Value{Data: x}
}

func Add(a, b *Value) *Value {
	return &Value{Data: a.Data + b.Data, Children: []*Value{a, b}, LocalGrads: []float64{1, 1}}
}

func Sub(a, b *Value) *Value {
	return &Value{Data: a.Data - b.Data, Children: []*Value{a, b}, LocalGrads: []float64{1, -1}}
}

func Mul(a, b *Value) *Value {
	return &Value{Data: a.Data * b.Data, Children: []*Value{a, b}, LocalGrads: []float64{b.Data, a.Data}}
}

// Scale multiplies a by a constant without allocating a leaf for it.
func Scale(a *Value, k float64) *Value {
	return &Value{Data: a.Data * k, Children: []*Value{a}, LocalGrads: []float64{k}}
}

func Pow(a *Value, p float64) *Value {
	return &Value{Data: math.Pow(a.Data, p), Children: []*Value{a}, LocalGrads: []float64{p * math.Pow(a.Data, p-1)}}
}

func Div(a, b *Value) *Value {
	return Mul(a, Pow(b, -1))
}

func Neg(a *Value) *Value {
	return Scale(a, -1)
}

func Log(a *Value) *Value {
	return &Value{Data: math.Log(a.Data), Children: []*Value{a}, LocalGrads: []float64{1 / a.Data}}
}

func Exp(a *Value) *Value {
	e := math.Exp(a.Data)
	return &Value{Data: e, Children: []*Value{a}, LocalGrads: []float64{e}}
}

func ReLU(a *Value) *Value {
	val, grad := 0.0, 0.0
	if a.Data > 0 {
		val, grad = a.Data, 1
	}
	return &Value{Data: val, Children: []*Value{a}, LocalGrads: []float64{grad}}
}

// Sum adds xs as a single node.
func Sum(xs []*Value) *Value {
	out := &Value{Children: make([]*Value, len(xs)), LocalGrads: make([]float64, len(xs))}
	copy(out.Children, xs)
	for i, x := range xs {
		out.Data += x.Data
		out.LocalGrads[i] = 1
	}
	return out
}

// Mean is Sum(xs) / len(xs). It panics on an empty slice.
func Mean(xs []*Value) *Value {
	if len(xs) == 0 {
		panic("autograd: mean of empty slice")
	}
	return Scale(Sum(xs), 1/float64(len(xs)))
}

// Dot returns sum_i a[i]*b[i] as a single node. a and b must have equal length.
func Dot(a, b []*Value) *Value {
	n := len(a)
	out := &Value{Children: make([]*Value, 0, 2*n), LocalGrads: make([]float64, 0, 2*n)}
	for i := 0; i < n; i++ {
		out.Data += a[i].Data * b[i].Data
		out.Children = append(out.Children, a[i], b[i])
		out.LocalGrads = append(out.LocalGrads, b[i].Data, a[i].Data)
	}
	return out
}

// Backward computes d(out)/d(v) for every v reachable from out.
// Gradients of all reachable nodes are reset first.
func Backward(out *Value) {
	topo := topoSort(out)
	for _, v := range topo {
		v.Grad = 0
	}
	out.Grad = 1
	for i := len(topo) - 1; i >= 0; i-- {
		v := topo[i]
		for j, child := range v.Children {
			child.Grad += v.LocalGrads[j] * v.Grad
		}
	}
}

// topoSort is an iterative post-order DFS; graphs for long sequences are
// deep enough that recursion is a liability.
func topoSort(root *Value) []*Value {
	type frame struct {
		v    *Value
		next int
	}
	visited := map[*Value]bool{root: true}
	topo := make([]*Value, 0, 1024)
	stack := []frame{{v: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.v.Children) {
			c := top.v.Children[top.next]
			top.next++
			if !visited[c] {
				visited[c] = true
				stack = append(stack, frame{v: c})
			}
			continue
		}
		topo = append(topo, top.v)
		stack = stack[:len(stack)-1]
	}
	return topo
}

// Data extracts the forward values.
func Data(xs []*Value) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = x.Data
	}
	return out
}
