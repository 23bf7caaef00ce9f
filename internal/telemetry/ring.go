package telemetry

// ring is a fixed-capacity FIFO. Once full, each push overwrites the oldest
// element and reports it as evicted. Not safe for concurrent use.
type ring[T any] struct {
	items []T
	head  int // index of the oldest element once full
	cap   int
	total int64
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	initial := capacity
	if initial > 1024 {
		initial = 1024
	}
	return &ring[T]{items: make([]T, 0, initial), cap: capacity}
}

// push appends v and returns the evicted element, if any
func (r *ring[T]) push(v T) (evicted T, didEvict bool) {
	r.total++
	if len(r.items) < r.cap {
		r.items = append(r.items, v)
		return evicted, false
	}
	evicted = r.items[r.head]
	r.items[r.head] = v
	r.head = (r.head + 1) % r.cap
	return evicted, true
}

func (r *ring[T]) len() int {
	return len(r.items)
}

// at returns the i-th element in arrival order, 0 being the oldest retained
func (r *ring[T]) at(i int) T {
	return r.items[(r.head+i)%len(r.items)]
}

// last returns the newest n elements in arrival order
func (r *ring[T]) last(n int) []T {
	size := len(r.items)
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, r.at(i))
	}
	return out
}
