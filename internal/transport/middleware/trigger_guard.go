// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRetryAfter         = "Retry-After"
)

// TriggerRateLimit caps run triggers per workflow id, so a confused
// automation-policy collaborator cannot hammer the input channel.
// Requests without a parseable {id} pass through; the handler rejects
// those itself.
func TriggerRateLimit(perMinute int, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := newInMemoryRateLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			workflowID, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			decision := limiter.Allow(workflowID, perMinute, time.Now())
			w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
			w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
				logger.Warn("trigger rate limited",
					"workflow_id", workflowID,
					"retry_after_s", decision.RetryAfterSeconds,
				)
				http.Error(w, "trigger rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
