package buffer

// Ring is a fixed-capacity ring buffer. Once full, new entries evict the
// oldest. Not safe for concurrent use; callers hold their own locks.
type Ring[T any] struct {
	items []T
	start int
	count int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items: make([]T, capacity),
	}
}

func (r *Ring[T]) Add(item T) {
	if r == nil || len(r.items) == 0 {
		return
	}

	if r.count < len(r.items) {
		index := (r.start + r.count) % len(r.items)
		r.items[index] = item
		r.count++
		return
	}

	r.items[r.start] = item
	r.start = (r.start + 1) % len(r.items)
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}

// List returns the buffered entries oldest first.
func (r *Ring[T]) List() []T {
	return r.Last(0)
}

// Last returns the most recent n entries oldest first. n <= 0 returns all.
func (r *Ring[T]) Last(n int) []T {
	if r == nil || r.count == 0 {
		return nil
	}
	if n <= 0 || n > r.count {
		n = r.count
	}

	out := make([]T, n)
	offset := r.count - n
	for i := 0; i < n; i++ {
		index := (r.start + offset + i) % len(r.items)
		out[i] = r.items[index]
	}
	return out
}
