// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"context"
	"errors"
	"sync"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/adiadia/deskflow/internal/metrics"
)

// ErrNoObservations is returned by LatestObservation before anything
// has been captured.
var ErrNoObservations = errors.New("no observations captured yet")

// Buffer is the bounded intake ring between the capture layer and the
// segmenter. Push never blocks: once capacity is exceeded the oldest
// observation is dropped and the starvation counter incremented.
type Buffer struct {
	mu      sync.Mutex
	items   []domain.Observation
	head    int
	size    int
	dropped uint64

	latest    domain.Observation
	hasLatest bool

	notify chan struct{}
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Buffer{
		items:  make([]domain.Observation, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends one observation. Non-blocking under backpressure.
func (b *Buffer) Push(obs domain.Observation) {
	b.mu.Lock()
	if b.size == len(b.items) {
		// Overflow: drop oldest first.
		b.head = (b.head + 1) % len(b.items)
		b.size--
		b.dropped++
		metrics.IncObservationDropped()
	}
	b.items[(b.head+b.size)%len(b.items)] = obs
	b.size++
	b.latest = obs
	b.hasLatest = true
	b.mu.Unlock()

	metrics.IncObservation(obs.Kind)

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns all buffered observations in order.
func (b *Buffer) Drain() []domain.Observation {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}

	out := make([]domain.Observation, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	b.head = 0
	b.size = 0
	return out
}

// Len reports the number of buffered observations.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped reports how many observations were lost to overflow
// (the CaptureStarved condition; recorded, never fatal).
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// LatestObservation returns the most recently pushed observation. The
// value survives Drain so step verification can read the current desktop
// state even when the segmenter keeps up with intake.
func (b *Buffer) LatestObservation(_ context.Context) (domain.Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasLatest {
		return domain.Observation{}, ErrNoObservations
	}
	return b.latest, nil
}

// Notify exposes the wakeup channel for the ingestion loop.
func (b *Buffer) Notify() <-chan struct{} {
	return b.notify
}
