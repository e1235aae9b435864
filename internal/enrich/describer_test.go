// SPDX-License-Identifier: Apache-2.0

package enrich

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adiadia/deskflow/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleSteps() []domain.ActionStep {
	return []domain.ActionStep{
		{ActionType: domain.ActionClick, Target: domain.TargetDescriptor{Text: "Send", App: "mail"}},
	}
}

func TestDescribeRoundTrip(t *testing.T) {
	var gotReq describeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Enrichment{
			Name:        "send mail",
			Description: "clicks the send button",
			RiskySteps:  []int{0},
		})
	}))
	defer server.Close()

	d := NewHTTPDescriber(server.URL, server.Client(), discardLogger())
	out, err := d.Describe(context.Background(), "mail", sampleSteps())
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if out.Name != "send mail" || len(out.RiskySteps) != 1 {
		t.Fatalf("unexpected enrichment: %+v", out)
	}
	if gotReq.App != "mail" || len(gotReq.Steps) != 1 {
		t.Fatalf("unexpected request payload: %+v", gotReq)
	}
}

func TestDescribeRetriesThenSucceeds(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Enrichment{Description: "recovered"})
	}))
	defer server.Close()

	d := NewHTTPDescriber(server.URL, server.Client(), discardLogger())
	out, err := d.Describe(context.Background(), "mail", sampleSteps())
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if out.Description != "recovered" {
		t.Fatalf("unexpected enrichment: %+v", out)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDescribeExhaustsRetries(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewHTTPDescriber(server.URL, server.Client(), discardLogger())
	if _, err := d.Describe(context.Background(), "mail", sampleSteps()); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDescribeEmptyURLIsNoop(t *testing.T) {
	d := NewHTTPDescriber("", nil, discardLogger())
	out, err := d.Describe(context.Background(), "mail", sampleSteps())
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if out.Description != "" || out.Name != "" {
		t.Fatalf("expected empty enrichment, got %+v", out)
	}
}
