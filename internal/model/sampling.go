package model

import (
	"math"
	"math/rand"
	"sort"
)

// SoftmaxFloat is softmax over plain floats.
func SoftmaxFloat(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// NextTokenWeights turns logits into unnormalized sampling weights after
// temperature, top-k and top-p filtering.
func NextTokenWeights(logits []float64, temperature float64, topK int, topP float64) []float64 {
	if temperature <= 0 {
		temperature = 1
	}
	l := make([]float64, len(logits))
	for i, v := range logits {
		l[i] = v / temperature
	}
	w := SoftmaxFloat(l)
	if topK > 0 {
		w = ApplyTopK(w, topK)
	}
	if topP > 0 && topP < 1.0 {
		w = ApplyTopP(w, topP)
	}
	return w
}

type rankedWeight struct {
	i int
	w float64
}

func rank(weights []float64) []rankedWeight {
	arr := make([]rankedWeight, len(weights))
	for i, w := range weights {
		arr[i] = rankedWeight{i, w}
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].w > arr[j].w })
	return arr
}

// ApplyTopK zeroes all but the k largest weights.
func ApplyTopK(weights []float64, k int) []float64 {
	if k >= len(weights) {
		return weights
	}
	arr := rank(weights)
	out := make([]float64, len(weights))
	for i := 0; i < k; i++ {
		out[arr[i].i] = arr[i].w
	}
	return out
}

// ApplyTopP keeps the smallest prefix of ranked weights whose mass reaches p
// of the total.
func ApplyTopP(weights []float64, p float64) []float64 {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	arr := rank(weights)
	out := make([]float64, len(weights))
	sum := 0.0
	for _, kv := range arr {
		sum += kv.w
		out[kv.i] = kv.w
		if sum >= p*total {
			break
		}
	}
	return out
}

// SampleWeighted draws an index proportionally to weights.
func SampleWeighted(rng *rand.Rand, weights []float64) int {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	r := rng.Float64() * sum
	running := 0.0
	last := 0
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		last = i
		running += w
		if r < running {
			return i
		}
	}
	return last
}
