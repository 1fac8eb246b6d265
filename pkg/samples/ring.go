// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package samples

// ring is a fixed-capacity FIFO that overwrites its oldest element when full.
type ring[T any] struct {
	data []T
	head int // index of the oldest element
	n    int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{data: make([]T, capacity)}
}

func (r *ring[T]) Len() int {
	return r.n
}

func (r *ring[T]) Size() int {
	return len(r.data)
}

// Push appends v and reports whether the oldest element was evicted.
func (r *ring[T]) Push(v T) bool {
	if r.n < len(r.data) {
		r.data[(r.head+r.n)%len(r.data)] = v
		r.n++
		return false
	}
	r.data[r.head] = v
	r.head = (r.head + 1) % len(r.data)
	return true
}

// At returns the i'th element counting from the oldest.
func (r *ring[T]) At(i int) T {
	return r.data[(r.head+i)%len(r.data)]
}

// CopyTo copies the elements into dst, oldest first, and returns the count.
func (r *ring[T]) CopyTo(dst []T) int {
	if r.n == 0 {
		return 0
	}
	end := r.head + r.n
	if end <= len(r.data) {
		return copy(dst, r.data[r.head:end])
	}
	n := copy(dst, r.data[r.head:])
	n += copy(dst[n:], r.data[:end-len(r.data)])
	return n
}
