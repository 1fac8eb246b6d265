// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package samples holds the bounded ECG sample history and lets readers block
// until samples newer than a given timestamp arrive.
package samples

import (
	"context"
	"strconv"
	"sync"
)

// DefaultCapacity is the number of samples retained when no capacity is given.
const DefaultCapacity = 2000

// Sample is one ECG reading. Timestamp is in milliseconds; samples returned by
// PullSince carry an offset from the requested timestamp instead.
type Sample struct {
	Timestamp int64
	Value     uint16
}

// MarshalJSON encodes the sample as the [timestamp, value] pair the dashboard
// expects.
func (s Sample) MarshalJSON() ([]byte, error) {
	return appendPair(nil, s.Timestamp, s.Value), nil
}

// Buffer is a FIFO of samples capped at a fixed capacity. The same lock guards
// any state handed to Locked, so callers can keep related values consistent
// with the sample history.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	ring    *ring[Sample]
	last    int64
	hasLast bool
	pushed  uint64
	evicted uint64
}

// New creates a buffer retaining at most capacity samples.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Buffer{ring: newRing[Sample](capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends a sample, evicting the oldest one when full, and wakes every
// blocked reader.
func (b *Buffer) Push(ts int64, v uint16) {
	b.mu.Lock()
	b.push(ts, v)
	b.mu.Unlock()
}

// PushWith is Push with the timestamp chosen by stamp, which runs under the
// buffer lock. State that stamp updates is never observed without the sample.
func (b *Buffer) PushWith(v uint16, stamp func() int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts := stamp()
	b.push(ts, v)
	return ts
}

func (b *Buffer) push(ts int64, v uint16) {
	if b.ring.Push(Sample{Timestamp: ts, Value: v}) {
		b.evicted++
	}
	b.pushed++
	b.last = ts
	b.hasLast = true
	b.cond.Broadcast()
}

// PullSince blocks until a sample newer than ts exists and returns every
// retained sample newer than ts, with timestamps relative to ts.
func (b *Buffer) PullSince(ts int64) []Sample {
	out, _ := b.PullSinceContext(context.Background(), ts, nil)
	return out
}

// PullSinceContext is PullSince with cancellation. When fn is not nil it runs
// under the buffer lock right after the samples are collected.
func (b *Buffer) PullSinceContext(ctx context.Context, ts int64, fn func()) ([]Sample, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.hasLast || b.last <= ts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.cond.Wait()
	}

	out := b.since(ts)
	if fn != nil {
		fn()
	}
	return out, nil
}

// since collects samples newer than ts. Caller holds b.mu.
func (b *Buffer) since(ts int64) []Sample {
	n := b.ring.Len()
	// Samples are appended in timestamp order, so walk back to the first one
	// that qualifies.
	first := n
	for first > 0 && b.ring.At(first-1).Timestamp > ts {
		first--
	}
	out := make([]Sample, 0, n-first)
	for i := first; i < n; i++ {
		s := b.ring.At(i)
		out = append(out, Sample{Timestamp: s.Timestamp - ts, Value: s.Value})
	}
	return out
}

// Locked runs fn while holding the buffer lock.
func (b *Buffer) Locked(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}

// Snapshot returns a copy of the retained samples, oldest first.
func (b *Buffer) Snapshot() []Sample {
	return b.SnapshotWith(nil)
}

// SnapshotWith is Snapshot with fn run under the same lock hold.
func (b *Buffer) SnapshotWith(fn func()) []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Sample, b.ring.Len())
	b.ring.CopyTo(out)
	if fn != nil {
		fn()
	}
	return out
}

// Len returns the number of retained samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Len()
}

// Cap returns the maximum number of retained samples.
func (b *Buffer) Cap() int {
	return b.ring.Size()
}

// Last returns the timestamp of the newest sample. ok is false before the first
// push.
func (b *Buffer) Last() (ts int64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Stats returns the number of samples pushed and evicted so far.
func (b *Buffer) Stats() (pushed, evicted uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushed, b.evicted
}

func appendPair(dst []byte, ts int64, v uint16) []byte {
	dst = append(dst, '[')
	dst = strconv.AppendInt(dst, ts, 10)
	dst = append(dst, ',')
	dst = strconv.AppendUint(dst, uint64(v), 10)
	return append(dst, ']')
}
