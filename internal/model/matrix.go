package model

import (
	"fmt"
	"math/rand"

	"loratune/internal/autograd"
)

// Matrix is a row-major grid of autograd values; for a linear layer rows are
// output features and columns input features.
type Matrix [][]*autograd.Value

// NewMatrix fills a rows x cols matrix with N(0, std) samples.
func NewMatrix(rows, cols int, std float64, rng *rand.Rand) Matrix {
	m := make(Matrix, rows)
	for i := range m {
		m[i] = make([]*autograd.Value, cols)
		for j := range m[i] {
			m[i][j] = autograd.V(rng.NormFloat64() * std)
		}
	}
	return m
}

// Zeros returns a rows x cols matrix of zero leaves.
func Zeros(rows, cols int) Matrix {
	m := make(Matrix, rows)
	for i := range m {
		m[i] = make([]*autograd.Value, cols)
		for j := range m[i] {
			m[i][j] = autograd.V(0)
		}
	}
	return m
}

// FromFloats wraps plain weights as fresh leaves. Ragged input is rejected.
func FromFloats(src [][]float64) (Matrix, error) {
	m := make(Matrix, len(src))
	for i, row := range src {
		if i > 0 && len(row) != len(src[0]) {
			return nil, fmt.Errorf("ragged matrix: row %d has %d columns, want %d", i, len(row), len(src[0]))
		}
		m[i] = make([]*autograd.Value, len(row))
		for j, v := range row {
			m[i][j] = autograd.V(v)
		}
	}
	return m, nil
}

func (m Matrix) Rows() int { return len(m) }

func (m Matrix) Cols() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Floats copies the current weights out.
func (m Matrix) Floats() [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = autograd.Data(row)
	}
	return out
}

// Params flattens the matrix into its leaf values.
func (m Matrix) Params() []*autograd.Value {
	out := make([]*autograd.Value, 0, m.Rows()*m.Cols())
	for _, row := range m {
		out = append(out, row...)
	}
	return out
}

// Apply computes y = M x.
func (m Matrix) Apply(x []*autograd.Value) []*autograd.Value {
	out := make([]*autograd.Value, len(m))
	for i, row := range m {
		out[i] = autograd.Dot(row, x)
	}
	return out
}
