// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type ObservationKind string

const (
	ObsText        ObservationKind = "text"
	ObsUIEvent     ObservationKind = "ui_event"
	ObsInputAction ObservationKind = "input_action"
	ObsAppContext  ObservationKind = "app_context"
)

// KnownObservationKind reports whether k is an intake kind the
// segmenter understands.
func KnownObservationKind(k ObservationKind) bool {
	switch k {
	case ObsText, ObsUIEvent, ObsInputAction, ObsAppContext:
		return true
	}
	return false
}

// Observation is one normalized unit of perceived user/desktop activity.
// Immutable once appended to the buffer.
type Observation struct {
	ID               uuid.UUID       `json:"id"`
	Timestamp        time.Time       `json:"timestamp"`
	Kind             ObservationKind `json:"kind"`
	Payload          string          `json:"payload"`
	App              string          `json:"app"`
	SourceConfidence float64         `json:"source_confidence"`
}

// Session is a bounded ordered run of Observations considered one
// candidate task instance. Closed sessions are read-only evidence.
type Session struct {
	ID           uuid.UUID     `json:"id"`
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	App          string        `json:"app"`
	Observations []Observation `json:"observations"`
}

func (s Session) Duration() time.Duration {
	return s.End.Sub(s.Start)
}
