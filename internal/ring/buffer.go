package ring

import (
	"sync"
)

// Buffer provides thread-safe storage for samples with a fixed capacity
type Buffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int // Points to the next write position
	tail     int // Points to the oldest element
}

// New creates a new circular buffer with specified capacity
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds a new sample to the buffer, overwriting the oldest when full
func (cb *Buffer[T]) Add(v T) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.data[cb.head] = v

	// Update head position
	cb.head = (cb.head + 1) % cb.capacity

	// Update size and tail
	if cb.size < cb.capacity {
		cb.size++
	} else {
		// Buffer is full, move tail
		cb.tail = (cb.tail + 1) % cb.capacity
	}
}

// Recent returns the most recent n samples, newest first
func (cb *Buffer[T]) Recent(n int) []T {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if n > cb.size {
		n = cb.size
	}
	if n <= 0 {
		return nil
	}

	result := make([]T, n)
	pos := (cb.head - 1 + cb.capacity) % cb.capacity // Start from most recent
	for i := 0; i < n; i++ {
		result[i] = cb.data[pos]
		pos = (pos - 1 + cb.capacity) % cb.capacity
	}

	return result
}

// All returns all samples in chronological order
func (cb *Buffer[T]) All() []T {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.size == 0 {
		return nil
	}

	result := make([]T, cb.size)
	current := cb.tail
	for i := 0; i < cb.size; i++ {
		result[i] = cb.data[current]
		current = (current + 1) % cb.capacity
	}

	return result
}

// Len returns the current number of samples in the buffer
func (cb *Buffer[T]) Len() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

// Clear empties the buffer
func (cb *Buffer[T]) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	var zero T
	for i := range cb.data {
		cb.data[i] = zero
	}
	cb.size = 0
	cb.head = 0
	cb.tail = 0
}
