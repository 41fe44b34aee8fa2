package relayer

// Window is a fixed-size FIFO of funding-rate samples.
type Window struct {
	size    int
	samples []int64
}

// NewWindow creates a window holding at most size samples. Sizes below one
// are raised to one.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size, samples: make([]int64, 0, size)}
}

// Push appends v, evicting the oldest sample when the window is full.
func (w *Window) Push(v int64) {
	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size-1]
	}
	w.samples = append(w.samples, v)
}

// Full reports whether the window holds size samples.
func (w *Window) Full() bool { return len(w.samples) == w.size }

// Len returns the number of samples held.
func (w *Window) Len() int { return len(w.samples) }

// Size returns the window capacity.
func (w *Window) Size() int { return w.size }

// Average returns the truncated mean of the samples. It reports false until
// the window is full.
func (w *Window) Average() (int64, bool) {
	if !w.Full() {
		return 0, false
	}
	var sum int64
	for _, v := range w.samples {
		sum += v
	}
	return sum / int64(w.size), true
}
