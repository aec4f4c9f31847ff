package trainer

import (
	"math"
	"testing"

	"loratune/internal/autograd"
)

func TestScheduleWarmupThenDecay(t *testing.T) {
	s := Schedule{Base: 1, Warmup: 2, Total: 6}
	want := []float64{0, 0.5, 1, 0.75, 0.5, 0.25, 0}
	for step, w := range want {
		if got := s.LR(step); math.Abs(got-w) > 1e-12 {
			t.Fatalf("step %d: got %v want %v", step, got, w)
		}
	}
	noWarm := Schedule{Base: 2, Total: 4}
	if noWarm.LR(0) != 2 || noWarm.LR(2) != 1 {
		t.Fatalf("no warmup schedule: %v %v", noWarm.LR(0), noWarm.LR(2))
	}
}

func TestAdamWMinimizesQuadratic(t *testing.T) {
	x := autograd.V(5)
	opt := NewAdamW([]*autograd.Value{x}, 0)
	for i := 0; i < 500; i++ {
		loss := autograd.Mul(autograd.Sub(x, autograd.V(2)), autograd.Sub(x, autograd.V(2)))
		autograd.Backward(loss)
		opt.Step(0.05)
	}
	if math.Abs(x.Data-2) > 5e-2 {
		t.Fatalf("expected x near 2, got %v", x.Data)
	}
	if x.Grad != 0 {
		t.Fatalf("grad not cleared")
	}
}

func TestAdamWFirstStepMagnitude(t *testing.T) {
	x := autograd.V(1)
	x.Grad = 3
	opt := NewAdamW([]*autograd.Value{x}, 0)
	opt.Step(0.1)
	// bias-corrected first step moves by lr regardless of gradient scale
	if math.Abs(x.Data-0.9) > 1e-6 {
		t.Fatalf("got %v", x.Data)
	}
}

func TestAdamWStateSnapshot(t *testing.T) {
	p := []*autograd.Value{autograd.V(1), autograd.V(2)}
	opt := NewAdamW(p, 0.01)
	p[0].Grad, p[1].Grad = 1, -1
	opt.Step(0.1)
	st := opt.State()
	if st.Step != 1 || len(st.M) != 2 || st.M[0] <= 0 || st.M[1] >= 0 {
		t.Fatalf("state: %+v", st)
	}
	p[0].Grad = 5
	opt.Step(0.1)
	if st.Step != 1 || st.M[0] == opt.State().M[0] {
		t.Fatalf("snapshot aliased optimizer moments")
	}
}
