// SPDX-License-Identifier: Apache-2.0

package score

import (
	"testing"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
)

func baseWorkflow() domain.Workflow {
	return domain.Workflow{
		Cohesion:        0.9,
		OccurrenceCount: 5,
		SuccessCount:    3,
		FailureCount:    1,
		LastUsed:        time.Now(),
		CreatedAt:       time.Now().Add(-time.Hour),
	}
}

func TestConfidenceInRange(t *testing.T) {
	s := Default()
	now := time.Now()

	extremes := []domain.Workflow{
		{},
		{Cohesion: 1, OccurrenceCount: 1 << 20, SuccessCount: 1 << 20, LastUsed: now},
		{Cohesion: 1, FailureCount: 100, LastUsed: now.Add(-365 * 24 * time.Hour)},
	}
	for i, w := range extremes {
		got := s.Confidence(w, now)
		if got < 0 || got > 1 {
			t.Fatalf("case %d: confidence %f out of [0,1]", i, got)
		}
	}
}

func TestConfidenceMonotonicInSuccessRatio(t *testing.T) {
	s := Default()
	now := time.Now()

	w := baseWorkflow()
	prev := -1.0
	// Raising success_count while holding the attempt total fixed
	// raises the ratio; confidence must never decrease.
	for successes := 0; successes <= 10; successes++ {
		w.SuccessCount = successes
		w.FailureCount = 10 - successes
		got := s.Confidence(w, now)
		if got < prev {
			t.Fatalf("confidence decreased at successes=%d: %f < %f", successes, got, prev)
		}
		prev = got
	}
}

func TestRecencyDecay(t *testing.T) {
	s := Default()
	now := time.Now()

	fresh := baseWorkflow()
	fresh.LastUsed = now

	stale := baseWorkflow()
	stale.LastUsed = now.Add(-60 * 24 * time.Hour)

	if s.Confidence(fresh, now) <= s.Confidence(stale, now) {
		t.Fatal("expected fresh workflow to outscore stale one")
	}
}

func TestRecencyFallsBackToCreation(t *testing.T) {
	s := Default()
	now := time.Now()

	w := baseWorkflow()
	w.LastUsed = time.Time{}
	w.CreatedAt = now.Add(-100 * 24 * time.Hour)

	unused := s.Confidence(w, now)

	w.CreatedAt = now
	recent := s.Confidence(w, now)

	if recent <= unused {
		t.Fatal("expected decay from creation for never-used workflows")
	}
}

func TestShouldDisable(t *testing.T) {
	s := Default()
	if !s.ShouldDisable(0.29) {
		t.Fatal("expected disable below threshold")
	}
	if s.ShouldDisable(0.3) {
		t.Fatal("expected no disable at threshold")
	}
}
