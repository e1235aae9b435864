// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/adiadia/deskflow/internal/engine"
	"github.com/adiadia/deskflow/internal/metrics"
	"github.com/adiadia/deskflow/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type triggerRunRequest struct {
	Policy string `json:"policy"`
}

type Deps struct {
	Workflows        WorkflowStore
	Runs             RunController
	Gate             ConfidenceGate
	Observations     ObservationSink
	Logger           *slog.Logger
	AdminToken       string
	TriggerPerMinute int
	// JoinThreshold is the local clustering threshold, stamped on
	// exports and checked on imports.
	JoinThreshold float64
	Version          string
	Commit           string
	BuildDate        string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")
	triggerPerMinute := deps.TriggerPerMinute
	if triggerPerMinute <= 0 {
		triggerPerMinute = 6
	}
	joinThreshold := deps.JoinThreshold
	if joinThreshold <= 0 {
		joinThreshold = 0.75
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- OBSERVATION INTAKE ----------------

	r.Post("/observations", func(w http.ResponseWriter, r *http.Request) {
		if deps.Observations == nil {
			http.Error(w, "observation intake not available", http.StatusServiceUnavailable)
			return
		}

		obs, err := decodeObservation(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		deps.Observations.Push(obs)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id": obs.ID.String(),
		})
	})

	// ---------------- WORKFLOWS ----------------

	r.Get("/workflows", func(w http.ResponseWriter, r *http.Request) {
		workflows, err := deps.Workflows.List(r.Context())
		if err != nil {
			logger.Error("list workflows failed", "error", err)
			http.Error(w, "failed to list workflows", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"workflows": workflows,
		})
	})

	r.Get("/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		workflowID, ok := parseID(w, r, "invalid workflow ID")
		if !ok {
			return
		}

		wf, err := deps.Workflows.Get(r.Context(), workflowID)
		if err != nil {
			respondError(w, logger, err, "get workflow", "workflow_id", workflowID)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	})

	r.Get("/workflows/{id}/export", func(w http.ResponseWriter, r *http.Request) {
		workflowID, ok := parseID(w, r, "invalid workflow ID")
		if !ok {
			return
		}

		wf, err := deps.Workflows.Get(r.Context(), workflowID)
		if err != nil {
			respondError(w, logger, err, "export workflow", "workflow_id", workflowID)
			return
		}
		writeJSON(w, http.StatusOK, domain.ExportDocument{
			ID:              wf.ID,
			Version:         wf.Version,
			Name:            wf.Name,
			Steps:           wf.Steps,
			Confidence:      wf.Confidence,
			OccurrenceCount: wf.OccurrenceCount,
			JoinThreshold:   joinThreshold,
		})
	})

	r.Get("/workflows/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		workflowID, ok := parseID(w, r, "invalid workflow ID")
		if !ok {
			return
		}

		runs, err := deps.Workflows.Runs(r.Context(), workflowID)
		if err != nil {
			respondError(w, logger, err, "list run history", "workflow_id", workflowID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"workflow_id": workflowID,
			"runs":        runs,
		})
	})

	// ---------------- WORKFLOW ADMIN ----------------

	r.Group(func(admin chi.Router) {
		admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

		setEnabled := func(enabled bool, action string) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				workflowID, ok := parseID(w, r, "invalid workflow ID")
				if !ok {
					return
				}

				wf, err := deps.Workflows.SetEnabled(r.Context(), workflowID, enabled)
				if err != nil {
					respondError(w, logger, err, action+" workflow", "workflow_id", workflowID)
					return
				}

				logger.Info("workflow "+action+"d via API", "workflow_id", workflowID)
				writeJSON(w, http.StatusOK, wf)
			}
		}
		admin.Post("/workflows/{id}/enable", setEnabled(true, "enable"))
		admin.Post("/workflows/{id}/disable", setEnabled(false, "disable"))

		admin.Delete("/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseID(w, r, "invalid workflow ID")
			if !ok {
				return
			}

			if err := deps.Workflows.Delete(r.Context(), workflowID); err != nil {
				respondError(w, logger, err, "delete workflow", "workflow_id", workflowID)
				return
			}

			logger.Info("workflow deleted via API", "workflow_id", workflowID)
			w.WriteHeader(http.StatusNoContent)
		})

		admin.Post("/workflows/import", func(w http.ResponseWriter, r *http.Request) {
			doc, err := decodeImportDocument(r, joinThreshold)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			// Enabled is re-derived from the configured disable
			// threshold; imported confidence is never trusted for it.
			enabled := deps.Gate == nil || !deps.Gate.ShouldDisable(doc.Confidence)
			created, err := deps.Workflows.Create(r.Context(), domain.Workflow{
				Name:            doc.Name,
				Steps:           doc.Steps,
				Confidence:      doc.Confidence,
				OccurrenceCount: doc.OccurrenceCount,
				Enabled:         enabled,
			})
			if err != nil {
				respondError(w, logger, err, "import workflow")
				return
			}

			logger.Info("workflow imported via API",
				"workflow_id", created.ID,
				"name", created.Name,
				"enabled", created.Enabled,
			)
			writeJSON(w, http.StatusCreated, created)
		})
	})

	// ---------------- RUNS ----------------

	r.With(middleware.TriggerRateLimit(triggerPerMinute, logger)).
		Post("/workflows/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseID(w, r, "invalid workflow ID")
			if !ok {
				return
			}

			reqBody, err := decodeTriggerRequest(r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			policy := domain.RunPolicy(reqBody.Policy)
			if policy != "" && !domain.KnownRunPolicy(policy) {
				http.Error(w, "unknown run policy", http.StatusBadRequest)
				return
			}

			run, err := deps.Runs.Trigger(r.Context(), workflowID, policy)
			if err != nil {
				respondError(w, logger, err, "trigger run", "workflow_id", workflowID)
				return
			}

			logger.Info("run triggered via API",
				"run_id", run.ID,
				"workflow_id", workflowID,
				"policy", run.Policy,
			)
			writeJSON(w, http.StatusAccepted, run)
		})

	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseID(w, r, "invalid run ID")
		if !ok {
			return
		}

		run, err := deps.Runs.Run(runID)
		if errors.Is(err, domain.ErrRunNotFound) {
			// Not in the live registry; it may be an archived run
			// hydrated into history.
			run, err = deps.Workflows.FindRun(r.Context(), runID)
		}
		if err != nil {
			respondError(w, logger, err, "get run", "run_id", runID)
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	r.Post("/runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseID(w, r, "invalid run ID")
		if !ok {
			return
		}

		if err := deps.Runs.Cancel(runID); err != nil {
			respondError(w, logger, err, "cancel run", "run_id", runID)
			return
		}

		logger.Info("run canceled via API", "run_id", runID)
		writeJSON(w, http.StatusOK, map[string]string{
			"id":     runID.String(),
			"status": string(domain.RunAborted),
		})
	})

	r.Post("/runs/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseID(w, r, "invalid run ID")
		if !ok {
			return
		}

		if err := deps.Runs.Approve(runID); err != nil {
			respondError(w, logger, err, "approve run", "run_id", runID)
			return
		}

		logger.Info("run approved via API", "run_id", runID)
		writeJSON(w, http.StatusOK, map[string]string{
			"id":     runID.String(),
			"status": "APPROVED",
		})
	})

	// ---------------- STREAM RUN EVENTS (SSE) ----------------

	r.Get("/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseID(w, r, "invalid run ID")
		if !ok {
			return
		}

		cursor, err := parseSinceSeq(r.URL.Query().Get("since_seq"))
		if err != nil {
			http.Error(w, "invalid since_seq", http.StatusBadRequest)
			return
		}

		if _, _, err := deps.Runs.Events(runID, cursor); err != nil {
			respondError(w, logger, err, "stream run events", "run_id", runID)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			// Subscribe before reading so an append between the read
			// and the wait is never lost.
			changed, err := deps.Runs.EventsChanged(runID)
			if err != nil {
				return
			}

			events, done, err := deps.Runs.Events(runID, cursor)
			if err != nil {
				return
			}
			for _, ev := range events {
				payload, err := json.Marshal(ev)
				if err != nil {
					logger.Error("sse marshal failed", "run_id", runID, "error", err)
					return
				}
				if _, err := fmt.Fprintf(w, "event: run_update\ndata: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
				cursor = ev.Seq
			}
			if done {
				return
			}

			select {
			case <-r.Context().Done():
				return
			case <-changed:
			}
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseID(w http.ResponseWriter, r *http.Request, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, msg, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// respondError maps domain sentinels onto HTTP statuses; anything
// unrecognized is a 500 with a log line.
func respondError(w http.ResponseWriter, logger *slog.Logger, err error, action string, attrs ...any) {
	switch {
	case errors.Is(err, domain.ErrWorkflowNotFound):
		http.Error(w, "workflow not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrRunNotFound):
		http.Error(w, "run not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrWorkflowDisabled):
		http.Error(w, "workflow is disabled", http.StatusConflict)
	case errors.Is(err, domain.ErrRunInProgress):
		http.Error(w, "a run for this workflow is already in progress", http.StatusConflict)
	case errors.Is(err, domain.ErrInputChannelBusy):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "input channel is busy", http.StatusConflict)
	case errors.Is(err, domain.ErrConflict):
		http.Error(w, "workflow version conflict", http.StatusConflict)
	case errors.Is(err, engine.ErrNotAwaitingApproval):
		http.Error(w, "run is not awaiting approval", http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidWorkflow):
		http.Error(w, "invalid workflow", http.StatusBadRequest)
	default:
		logger.Error(action+" failed", append(attrs, "error", err)...)
		http.Error(w, "failed to "+action, http.StatusInternalServerError)
	}
}

func decodeTriggerRequest(r *http.Request) (triggerRunRequest, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return triggerRunRequest{}, nil
	}

	var req triggerRunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return triggerRunRequest{}, nil
		}
		return triggerRunRequest{}, err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return triggerRunRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	req.Policy = strings.TrimSpace(req.Policy)
	return req, nil
}

// joinThresholdTolerance bounds how far an exporter's clustering
// threshold may drift from the local one before an imported confidence
// stops being comparable.
const joinThresholdTolerance = 0.05

func decodeImportDocument(r *http.Request, joinThreshold float64) (domain.ExportDocument, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return domain.ExportDocument{}, errors.New("request body required")
	}

	var doc domain.ExportDocument
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return domain.ExportDocument{}, fmt.Errorf("invalid import document: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.ExportDocument{}, errors.New("request body must contain exactly one JSON object")
	}

	doc.Name = strings.TrimSpace(doc.Name)
	if doc.Name == "" {
		return domain.ExportDocument{}, errors.New("import document missing name")
	}
	if len(doc.Steps) == 0 {
		return domain.ExportDocument{}, errors.New("import document has no steps")
	}
	for i, step := range doc.Steps {
		if !domain.KnownActionType(step.ActionType) {
			return domain.ExportDocument{}, fmt.Errorf("step %d has unknown action type %q", i, step.ActionType)
		}
	}
	// Documents that predate the field (zero) are accepted as-is.
	if doc.JoinThreshold > 0 && math.Abs(doc.JoinThreshold-joinThreshold) > joinThresholdTolerance {
		return domain.ExportDocument{}, fmt.Errorf(
			"document join threshold %.2f is incompatible with the local %.2f",
			doc.JoinThreshold, joinThreshold)
	}
	return doc, nil
}

func decodeObservation(r *http.Request) (domain.Observation, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return domain.Observation{}, errors.New("request body required")
	}

	var obs domain.Observation
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&obs); err != nil {
		return domain.Observation{}, fmt.Errorf("invalid observation: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.Observation{}, errors.New("request body must contain exactly one JSON object")
	}

	if !domain.KnownObservationKind(obs.Kind) {
		return domain.Observation{}, fmt.Errorf("unknown observation kind %q", obs.Kind)
	}
	if obs.ID == uuid.Nil {
		obs.ID = uuid.New()
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}
	return obs, nil
}

func parseSinceSeq(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, errors.New("invalid since_seq")
	}
	return seq, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
