package board

// RingBuffer is a fixed-size circular buffer. When full, new pushes
// overwrite the oldest entry.
type RingBuffer[T any] struct {
	buf   []T
	size  int
	head  int // next write position
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{
		buf:  make([]T, size),
		size: size,
	}
}

// Push adds a value to the buffer, overwriting the oldest if full.
func (r *RingBuffer[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// Data returns all stored values in insertion order (oldest first).
func (r *RingBuffer[T]) Data() []T {
	return r.Tail(r.count)
}

// Tail returns up to n of the newest values, oldest first.
func (r *RingBuffer[T]) Tail(n int) []T {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := (r.head - n + r.size) % r.size
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%r.size]
	}
	return out
}

// Last returns the newest element, or false if the buffer is empty.
func (r *RingBuffer[T]) Last() (T, bool) {
	if r.count == 0 {
		var zero T
		return zero, false
	}
	idx := (r.head - 1 + r.size) % r.size
	return r.buf[idx], true
}

// Reset drops all values. Capacity is unchanged.
func (r *RingBuffer[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.count = 0
}

// Len returns the number of stored values.
func (r *RingBuffer[T]) Len() int {
	return r.count
}

