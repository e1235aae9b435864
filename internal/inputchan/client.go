// SPDX-License-Identifier: Apache-2.0

// Package inputchan talks to the local input-action service that owns
// the machine's single keyboard/mouse channel. Steps are posted one at
// a time; the service replies once the action has been dispatched.
package inputchan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
)

// ErrNotConfigured is returned by Perform when no endpoint was set.
var ErrNotConfigured = errors.New("input channel endpoint not configured")

// Client posts one ActionStep per request to the input-action service.
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(url string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        strings.TrimSpace(url),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Perform dispatches a single step. The engine owns retries and
// verification; the client reports transport and non-2xx failures only.
func (c *Client) Perform(ctx context.Context, step domain.ActionStep) error {
	if c.url == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal action step: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("input dispatch failure",
			"action_type", step.ActionType,
			"error", err,
		)
		return fmt.Errorf("dispatch action: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.Warn("input dispatch failure",
			"action_type", step.ActionType,
			"response_status", resp.StatusCode,
		)
		return fmt.Errorf("input channel returned %d", resp.StatusCode)
	}
	return nil
}
