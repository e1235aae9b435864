// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type ActionType string

const (
	ActionClick    ActionType = "click"
	ActionTypeText ActionType = "type"
	ActionKey      ActionType = "key"
	ActionKeyCombo ActionType = "key_combination"
	ActionScroll   ActionType = "scroll"
	ActionWait     ActionType = "wait"
	ActionNoop     ActionType = "noop"
	ActionOpenApp  ActionType = "open_app"
)

// KnownActionType reports whether t is part of the replayable action
// vocabulary. Imported workflows with unknown actions are rejected.
func KnownActionType(t ActionType) bool {
	switch t {
	case ActionClick, ActionTypeText, ActionKey, ActionKeyCombo,
		ActionScroll, ActionWait, ActionNoop, ActionOpenApp:
		return true
	}
	return false
}

type VerificationKind string

const (
	VerifyClickSuccess    VerificationKind = "click_success"
	VerifyWindowChange    VerificationKind = "window_change"
	VerifyTextInput       VerificationKind = "text_input"
	VerifyElementAppeared VerificationKind = "element_appeared"
	VerifyNone            VerificationKind = "none"
)

// TargetDescriptor is an abstract locator. Resolution to screen
// coordinates happens in the input-action collaborator at call time;
// a raw pixel position alone is never stored because layouts drift.
type TargetDescriptor struct {
	Text   string `json:"text,omitempty"`
	Region string `json:"region,omitempty"`
	App    string `json:"app,omitempty"`
}

// Expectation describes what must be observable after a step ran.
type Expectation struct {
	Kind      VerificationKind `json:"kind"`
	Payload   string           `json:"payload,omitempty"`
	Threshold float64          `json:"threshold,omitempty"`
}

// ActionStep is one replayable unit of automation within a Workflow.
type ActionStep struct {
	ActionType   ActionType        `json:"action_type"`
	Target       TargetDescriptor  `json:"target_descriptor"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Verification Expectation       `json:"expected_verification"`
	Risky        bool              `json:"risky,omitempty"`
	Description  string            `json:"description,omitempty"`
}

// Workflow is a persisted, confidently-recognized repeatable sequence
// of ActionSteps. Step order is fixed at creation; edits replace the
// whole step list atomically. Version is the optimistic-concurrency
// token checked on every update.
type Workflow struct {
	ID              uuid.UUID    `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	Steps           []ActionStep `json:"steps"`
	Confidence      float64      `json:"confidence"`
	Cohesion        float64      `json:"cohesion"`
	OccurrenceCount int          `json:"occurrence_count"`
	SuccessCount    int          `json:"success_count"`
	FailureCount    int          `json:"failure_count"`
	LastUsed        time.Time    `json:"last_used,omitzero"`
	Enabled         bool         `json:"enabled"`
	Version         int64        `json:"version"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// SuccessRatio is success_count / max(1, success+failure).
func (w Workflow) SuccessRatio() float64 {
	total := w.SuccessCount + w.FailureCount
	if total == 0 {
		return 0
	}
	return float64(w.SuccessCount) / float64(total)
}

// Clone returns a deep copy so repository snapshots never alias the
// stored step list.
func (w Workflow) Clone() Workflow {
	out := w
	out.Steps = make([]ActionStep, len(w.Steps))
	copy(out.Steps, w.Steps)
	for i, st := range out.Steps {
		if st.Parameters == nil {
			continue
		}
		params := make(map[string]string, len(st.Parameters))
		for k, v := range st.Parameters {
			params[k] = v
		}
		out.Steps[i].Parameters = params
	}
	return out
}

// ExportDocument is the sharing/backup format for a Workflow. Import
// re-derives Enabled from the disable threshold instead of trusting
// the document, and checks the exporter's join threshold against the
// local one: cohesion and confidence only mean the same thing when
// both sides clustered with a compatible threshold.
type ExportDocument struct {
	ID              uuid.UUID    `json:"id"`
	Version         int64        `json:"version"`
	Name            string       `json:"name"`
	Steps           []ActionStep `json:"steps"`
	Confidence      float64      `json:"confidence"`
	OccurrenceCount int          `json:"occurrence_count"`
	JoinThreshold   float64      `json:"join_threshold,omitempty"`
}
