// SPDX-License-Identifier: Apache-2.0

// Package enrich asks an optional sidecar service for human-readable
// workflow metadata after promotion. The learner works without it.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
)

const (
	describeRetryAttempts = 3
	describeRetryBase     = 300 * time.Millisecond
)

// Enrichment is what the sidecar adds to a freshly promoted workflow.
type Enrichment struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	RiskySteps  []int  `json:"risky_steps"`
}

// Describer produces enrichment for a derived step list.
type Describer interface {
	Describe(ctx context.Context, app string, steps []domain.ActionStep) (Enrichment, error)
}

type describeRequest struct {
	App   string              `json:"app"`
	Steps []domain.ActionStep `json:"steps"`
}

// HTTPDescriber posts the step list to the enrichment endpoint and
// retries transient failures with doubling backoff.
type HTTPDescriber struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPDescriber(url string, httpClient *http.Client, logger *slog.Logger) *HTTPDescriber {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDescriber{
		url:        strings.TrimSpace(url),
		httpClient: httpClient,
		logger:     logger,
	}
}

func (d *HTTPDescriber) Describe(ctx context.Context, app string, steps []domain.ActionStep) (Enrichment, error) {
	if d.url == "" {
		return Enrichment{}, nil
	}

	body, err := json.Marshal(describeRequest{App: app, Steps: steps})
	if err != nil {
		return Enrichment{}, fmt.Errorf("marshal describe request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= describeRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return Enrichment{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			lastErr = err
			d.logger.Warn("describe request failure",
				"app", app,
				"attempt", attempt,
				"error", err,
			)
		} else {
			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				var out Enrichment
				decodeErr := json.NewDecoder(resp.Body).Decode(&out)
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				if decodeErr != nil {
					return Enrichment{}, fmt.Errorf("decode describe response: %w", decodeErr)
				}
				return out, nil
			}

			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			d.logger.Warn("describe request failure",
				"app", app,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < describeRetryAttempts {
			wait := describeRetryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Enrichment{}, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return Enrichment{}, lastErr
}
