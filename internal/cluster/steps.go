// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"github.com/adiadia/deskflow/internal/domain"
)

// DeriveSteps builds the replayable step list from a representative
// session. Only input actions become steps; text and UI-event
// observations are evidence for clustering, not replayable actions.
func DeriveSteps(s domain.Session) []domain.ActionStep {
	steps := make([]domain.ActionStep, 0, len(s.Observations))
	for _, obs := range s.Observations {
		if obs.Kind != domain.ObsInputAction {
			continue
		}
		verb, target := SplitAction(obs.Payload)
		action := domain.ActionType(verb)
		if !domain.KnownActionType(action) {
			action = domain.ActionNoop
		}
		steps = append(steps, domain.ActionStep{
			ActionType: action,
			Target: domain.TargetDescriptor{
				Text: target,
				App:  firstNonEmpty(obs.App, s.App),
			},
			Verification: expectationFor(action, target, obs),
		})
	}
	return steps
}

// expectationFor picks the verification appropriate to each action
// kind: clicks should reveal their target text, typing should leave
// the text visible, app launches should change the window.
func expectationFor(action domain.ActionType, target string, obs domain.Observation) domain.Expectation {
	switch action {
	case domain.ActionClick:
		return domain.Expectation{Kind: domain.VerifyClickSuccess, Payload: target}
	case domain.ActionTypeText:
		return domain.Expectation{Kind: domain.VerifyTextInput, Payload: target}
	case domain.ActionOpenApp:
		return domain.Expectation{Kind: domain.VerifyWindowChange, Payload: target}
	case domain.ActionKey, domain.ActionKeyCombo, domain.ActionScroll:
		return domain.Expectation{Kind: domain.VerifyElementAppeared, Payload: obs.App}
	default:
		return domain.Expectation{Kind: domain.VerifyNone}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
