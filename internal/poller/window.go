package poller

// window is a fixed-size moving average over recent confidences.
// It is not safe for concurrent use; the poller guards it with its mutex.
type window struct {
	size   int
	values []float64
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{size: size, values: make([]float64, 0, size)}
}

// add records v and returns the mean of the retained values. With a size of
// one the window is bypassed and v is returned unchanged.
func (w *window) add(v float64) float64 {
	if w.size <= 1 {
		return v
	}
	if len(w.values) == w.size {
		copy(w.values, w.values[1:])
		w.values = w.values[:w.size-1]
	}
	w.values = append(w.values, v)

	var sum float64
	for _, x := range w.values {
		sum += x
	}
	return sum / float64(len(w.values))
}

// resize changes the window size, keeping the most recent values.
func (w *window) resize(size int) {
	if size < 1 {
		size = 1
	}
	if len(w.values) > size {
		w.values = append(w.values[:0], w.values[len(w.values)-size:]...)
	}
	w.size = size
}
