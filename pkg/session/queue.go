// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import "sync"

// WriteQueue is an unbounded FIFO of outbound packets. Push never blocks.
type WriteQueue struct {
	mu    sync.Mutex
	items [][]byte
}

// Push appends a copy of p.
func (q *WriteQueue) Push(p []byte) {
	q.mu.Lock()
	q.items = append(q.items, append([]byte(nil), p...))
	q.mu.Unlock()
}

// Drain removes and returns every queued packet, oldest first.
func (q *WriteQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued packets.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
