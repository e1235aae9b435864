// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/google/uuid"
)

// eventLog is the append-only transition history of one run. Appends
// wake every subscriber; readers resume from any sequence number, so a
// dropped SSE connection picks up where it left off.
type eventLog struct {
	mu      sync.Mutex
	runID   uuid.UUID
	nextSeq int64
	events  []domain.RunEvent
	closed  bool
	waiters []chan struct{}
}

func newEventLog(runID uuid.UUID) *eventLog {
	return &eventLog{runID: runID, nextSeq: 1}
}

func (l *eventLog) append(status domain.RunStatus, stepIndex, attempt int, detail string, result *domain.VerificationResult) domain.RunEvent {
	// Callers reuse their result struct across attempts; the event must
	// keep its own copy so history never changes after the fact.
	if result != nil {
		r := *result
		result = &r
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev := domain.RunEvent{
		Seq:       l.nextSeq,
		RunID:     l.runID,
		Status:    status,
		StepIndex: stepIndex,
		Attempt:   attempt,
		Detail:    detail,
		Result:    result,
		At:        time.Now().UTC(),
	}
	l.nextSeq++
	l.events = append(l.events, ev)
	if status.Terminal() {
		l.closed = true
	}
	l.wake()
	return ev
}

// after returns the events past seq and whether the log is finished.
func (l *eventLog) after(seq int64) ([]domain.RunEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.RunEvent
	for _, ev := range l.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, l.closed
}

// changed returns a channel that closes on the next append. Call it
// before re-checking after() to avoid losing a wakeup.
func (l *eventLog) changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan struct{})
	if l.closed {
		close(ch)
		return ch
	}
	l.waiters = append(l.waiters, ch)
	return ch
}

func (l *eventLog) wake() {
	for _, ch := range l.waiters {
		close(ch)
	}
	l.waiters = nil
}
