// SPDX-License-Identifier: Apache-2.0

// Package score computes replay confidence for learned workflows.
package score

import (
	"math"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
)

// Scorer combines cluster cohesion, occurrence volume, recency, and
// execution history into a confidence in [0,1]. Weights are
// configuration, not constants.
type Scorer struct {
	W1              float64 // cohesion
	W2              float64 // occurrence volume
	W3              float64 // recency
	W4              float64 // success ratio
	OccurrenceScale float64
	StalenessWindow time.Duration
	DisableBelow    float64
}

func Default() Scorer {
	return Scorer{
		W1:              0.4,
		W2:              0.2,
		W3:              0.1,
		W4:              0.3,
		OccurrenceScale: 20,
		StalenessWindow: 14 * 24 * time.Hour,
		DisableBelow:    0.3,
	}
}

// Confidence computes the score for a workflow as of now.
func (s Scorer) Confidence(w domain.Workflow, now time.Time) float64 {
	occ := math.Log1p(float64(w.OccurrenceCount)) / math.Log1p(s.occurrenceScale())

	conf := s.W1*w.Cohesion +
		s.W2*occ +
		s.W3*s.recency(w, now) +
		s.W4*w.SuccessRatio()

	return clamp01(conf)
}

// ShouldDisable reports whether confidence fell under the disable
// threshold. Re-enabling after that is a manual act.
func (s Scorer) ShouldDisable(confidence float64) bool {
	return confidence < s.DisableBelow
}

// recency exponentially discounts workflows unused beyond the
// staleness window. A workflow never executed decays from creation.
func (s Scorer) recency(w domain.Workflow, now time.Time) float64 {
	ref := w.LastUsed
	if ref.IsZero() {
		ref = w.CreatedAt
	}
	if ref.IsZero() {
		return 1
	}
	age := now.Sub(ref)
	if age <= 0 {
		return 1
	}
	window := s.StalenessWindow
	if window <= 0 {
		window = 14 * 24 * time.Hour
	}
	return math.Exp(-age.Seconds() / window.Seconds())
}

func (s Scorer) occurrenceScale() float64 {
	if s.OccurrenceScale <= 1 {
		return 20
	}
	return s.OccurrenceScale
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
