package telemetry

// DefaultBufferCapacity is the number of readings retained per device when not configured
const DefaultBufferCapacity = 1000

// RingBuffer is a fixed-capacity buffer that overwrites its oldest item when full.
// It is not safe for concurrent use; callers serialize access.
type RingBuffer[T any] struct {
	items []T
	head  int // index of the oldest item
	size  int
}

// NewRingBuffer creates a buffer holding at most capacity items.
// A negative capacity is treated as zero.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push appends item, discarding the oldest item when the buffer is full
func (b *RingBuffer[T]) Push(item T) {
	capacity := len(b.items)
	if capacity == 0 {
		return
	}

	if b.size < capacity {
		b.items[(b.head+b.size)%capacity] = item
		b.size++
		return
	}

	b.items[b.head] = item
	b.head = (b.head + 1) % capacity
}

// Items returns the buffered items from oldest to newest.
// The returned slice is a copy and does not alias the buffer.
func (b *RingBuffer[T]) Items() []T {
	out := make([]T, b.size)
	capacity := len(b.items)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%capacity]
	}
	return out
}

// Newest returns the most recently pushed item
func (b *RingBuffer[T]) Newest() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.items[(b.head+b.size-1)%len(b.items)], true
}

// Len returns the number of buffered items
func (b *RingBuffer[T]) Len() int { return b.size }

// Cap returns the buffer capacity
func (b *RingBuffer[T]) Cap() int { return len(b.items) }

// Clear empties the buffer without changing its capacity.
// Stale slots are left in place and overwritten by later pushes.
func (b *RingBuffer[T]) Clear() {
	b.head = 0
	b.size = 0
}
