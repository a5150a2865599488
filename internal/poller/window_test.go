package poller

import (
	"math"
	"testing"
)

func TestWindow_MovingAverage(t *testing.T) {
	t.Parallel()

	w := newWindow(3)
	inputs := []float64{0.2, 0.8, 0.5, 1.1}
	want := []float64{0.2, 0.5, 0.5, 0.8}
	for i, in := range inputs {
		if got := w.add(in); math.Abs(got-want[i]) > 1e-9 {
			t.Errorf("add(%v) #%d = %v, want %v", in, i, got, want[i])
		}
	}
}

func TestWindow_SizeOneBypasses(t *testing.T) {
	t.Parallel()

	w := newWindow(0)
	w.add(0.1)
	if got := w.add(0.9); got != 0.9 {
		t.Errorf("add = %v, want 0.9", got)
	}
}

func TestWindow_ResizeKeepsRecent(t *testing.T) {
	t.Parallel()

	w := newWindow(4)
	for _, v := range []float64{0.1, 0.2, 0.3, 0.4} {
		w.add(v)
	}
	w.resize(2)
	if got := w.add(0.6); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("after resize add = %v, want 0.5", got)
	}
}
