package autograd

import "math"

// Softmax is computed with the max logit subtracted for stability.
func Softmax(logits []*Value) []*Value {
	maxVal := -math.MaxFloat64
	for _, l := range logits {
		if l.Data > maxVal {
			maxVal = l.Data
		}
	}
	exps := make([]*Value, len(logits))
	for i, l := range logits {
		exps[i] = Exp(Sub(l, V(maxVal)))
	}
	invSum := Pow(Sum(exps), -1)
	out := make([]*Value, len(logits))
	for i := range exps {
		out[i] = Mul(exps[i], invSum)
	}
	return out
}

// RMSNorm scales x to unit root-mean-square.
func RMSNorm(x []*Value) []*Value {
	sq := make([]*Value, len(x))
	for i, v := range x {
		sq[i] = Mul(v, v)
	}
	meanSq := Mean(sq)
	invStd := Pow(Add(meanSq, V(1e-6)), -0.5)
	out := make([]*Value, len(x))
	for i, v := range x {
		out[i] = Mul(v, invStd)
	}
	return out
}

// CrossEntropy is -log softmax(logits)[target], via log-sum-exp.
func CrossEntropy(logits []*Value, target int) *Value {
	maxVal := -math.MaxFloat64
	for _, l := range logits {
		if l.Data > maxVal {
			maxVal = l.Data
		}
	}
	exps := make([]*Value, len(logits))
	for i, l := range logits {
		exps[i] = Exp(Sub(l, V(maxVal)))
	}
	lse := Add(Log(Sum(exps)), V(maxVal))
	return Sub(lse, logits[target])
}
