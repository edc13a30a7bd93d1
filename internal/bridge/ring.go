package bridge

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
// It is not safe for concurrent use.
type ring[T any] struct {
	buf   []T
	head  int // index of the oldest entry
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

// push appends v and reports whether the oldest entry was dropped to make room.
func (r *ring[T]) push(v T) (dropped bool) {
	if r.count == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
	return false
}

// drain returns all entries oldest first and empties the ring.
func (r *ring[T]) drain() []T {
	out := make([]T, 0, r.count)
	for i := range r.count {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.count = 0, 0
	return out
}

func (r *ring[T]) len() int { return r.count }
