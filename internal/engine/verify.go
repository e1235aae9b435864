// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"strings"

	"github.com/adiadia/deskflow/internal/cluster"
	"github.com/adiadia/deskflow/internal/domain"
)

// verify compares a fresh observation against the step's expectation
// using the same normalized similarity the learner clusters with. An
// unreachable observation source reads as a mismatch and goes through
// the normal retry path.
func (e *Engine) verify(ctx context.Context, step domain.ActionStep) domain.VerificationResult {
	exp := step.Verification
	if exp.Kind == domain.VerifyNone {
		return domain.VerificationResult{Matched: true, Similarity: 1}
	}

	obs, err := e.observations.LatestObservation(ctx)
	if err != nil {
		e.logger.Warn("observation snapshot unavailable", "error", err)
		return domain.VerificationResult{Expected: exp.Payload}
	}

	observed := obs.Payload
	if exp.Kind == domain.VerifyWindowChange {
		observed = obs.App
	}

	threshold := exp.Threshold
	if threshold <= 0 {
		threshold = e.cfg.VerifyThreshold
	}

	sim := textSimilarity(observed, exp.Payload)
	return domain.VerificationResult{
		Matched:    sim >= threshold,
		Observed:   observed,
		Expected:   exp.Payload,
		Similarity: sim,
	}
}

// textSimilarity measures two free-text snapshots as normalized word
// sequences, reusing the cluster package's edit distance.
func textSimilarity(observed, expected string) float64 {
	return cluster.Similarity(textTokens(observed), textTokens(expected))
}

func textTokens(s string) []cluster.Token {
	fields := strings.Fields(cluster.NormalizeTarget(s))
	tokens := make([]cluster.Token, 0, len(fields))
	for _, f := range fields {
		tokens = append(tokens, cluster.Token{Kind: "text", Target: f})
	}
	return tokens
}
