// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"strings"
	"unicode"

	"github.com/adiadia/deskflow/internal/domain"
)

// Token is the abstracted, volatility-free view of one observation:
// what was done, to what, with what shape of text. Exact timestamps
// and literal text values are deliberately dropped so surface
// variation between repetitions of the same task does not defeat
// matching.
type Token struct {
	Kind   string
	Target string
	Text   string
}

func (t Token) Equal(o Token) bool {
	return t.Kind == o.Kind && t.Target == o.Target && t.Text == o.Text
}

// Tokenize maps a session's observations onto the token sequence used
// for similarity and clustering.
func Tokenize(s domain.Session) []Token {
	tokens := make([]Token, 0, len(s.Observations))
	for _, obs := range s.Observations {
		tokens = append(tokens, tokenize(obs))
	}
	return tokens
}

func tokenize(obs domain.Observation) Token {
	switch obs.Kind {
	case domain.ObsInputAction:
		verb, target := SplitAction(obs.Payload)
		tok := Token{
			Kind:   verb,
			Target: NormalizeTarget(target),
			Text:   textCategory(target),
		}
		// Typed content is the most volatile part of a repetition.
		// Only its shape participates in matching.
		if tok.Kind == string(domain.ActionTypeText) {
			tok.Target = ""
		}
		return tok
	case domain.ObsAppContext:
		return Token{
			Kind:   string(domain.ObsAppContext),
			Target: NormalizeTarget(obs.Payload),
		}
	default:
		return Token{
			Kind:   string(obs.Kind),
			Target: NormalizeTarget(obs.Payload),
			Text:   textCategory(obs.Payload),
		}
	}
}

// SplitAction parses an input_action payload of the form
// "verb:target" (e.g. "click:Compose", "type:subject line").
// A payload without a separator is treated as a bare verb.
func SplitAction(payload string) (verb, target string) {
	verb, target, found := strings.Cut(payload, ":")
	verb = strings.ToLower(strings.TrimSpace(verb))
	if !found {
		return verb, ""
	}
	return verb, strings.TrimSpace(target)
}

// NormalizeTarget lowercases, maps digit runs to '#', and collapses
// whitespace, so "Reply (2)" and "reply (14)" abstract identically.
func NormalizeTarget(raw string) string {
	var b strings.Builder
	lastDigit := false
	lastSpace := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case unicode.IsDigit(r):
			if !lastDigit {
				b.WriteByte('#')
			}
			lastDigit = true
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
			}
			lastSpace = true
			lastDigit = false
		default:
			b.WriteRune(r)
			lastDigit = false
			lastSpace = false
		}
	}
	return b.String()
}

// textCategory buckets free text into a coarse shape class.
func textCategory(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "empty"
	case isNumber(raw):
		return "number"
	case strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://"):
		return "url"
	case strings.ContainsAny(raw, "/\\") && !strings.Contains(raw, " "):
		return "path"
	case strings.ContainsAny(raw, " \t"):
		return "phrase"
	default:
		return "word"
	}
}

func isNumber(raw string) bool {
	for _, r := range raw {
		if !unicode.IsDigit(r) && r != '.' && r != ',' && r != '-' {
			return false
		}
	}
	return true
}
