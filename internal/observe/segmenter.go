// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"log/slog"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/adiadia/deskflow/internal/metrics"
	"github.com/google/uuid"
)

// Segmenter cuts the observation stream into bounded candidate
// sessions. A session closes on an idle gap, a debounced switch of the
// active application, or the maximum session duration cap. Closed
// sessions are final and never re-opened.
type Segmenter struct {
	idleGap        time.Duration
	appDebounce    time.Duration
	maxDuration    time.Duration
	coalesceWindow time.Duration
	logger         *slog.Logger

	current []domain.Observation
	app     string

	// Observations seen under a candidate new app while the switch
	// debounces. Folded back if the app flips back in time.
	holdover    []domain.Observation
	holdoverApp string
	switchSeen  time.Time
}

type SegmenterConfig struct {
	IdleGap           time.Duration
	AppSwitchDebounce time.Duration
	MaxDuration       time.Duration
	CoalesceWindow    time.Duration
	Logger            *slog.Logger
}

func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	if cfg.IdleGap <= 0 {
		cfg.IdleGap = 30 * time.Second
	}
	if cfg.AppSwitchDebounce <= 0 {
		cfg.AppSwitchDebounce = 2 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 10 * time.Minute
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		idleGap:        cfg.IdleGap,
		appDebounce:    cfg.AppSwitchDebounce,
		maxDuration:    cfg.MaxDuration,
		coalesceWindow: cfg.CoalesceWindow,
		logger:         logger,
	}
}

// Append feeds one observation and returns any sessions closed by it.
func (s *Segmenter) Append(obs domain.Observation) []domain.Session {
	var closed []domain.Session

	if last, ok := s.lastObservation(); ok {
		gap := obs.Timestamp.Sub(last.Timestamp)
		if gap > s.idleGap {
			closed = appendSession(closed, s.close("idle_gap"))
			if len(s.holdover) > 0 {
				s.promoteHoldover()
				closed = appendSession(closed, s.close("idle_gap"))
			}
		} else if s.isDuplicate(last, obs) {
			return nil
		}
	}

	if len(s.current) == 0 && len(s.holdover) == 0 {
		s.start(obs)
		return closed
	}

	if len(s.current) > 0 && obs.Timestamp.Sub(s.current[0].Timestamp) >= s.maxDuration {
		closed = appendSession(closed, s.close("max_duration"))
		s.promoteHoldover()
	}

	if len(s.current) == 0 && len(s.holdover) == 0 {
		s.start(obs)
		return closed
	}

	closed = append(closed, s.handleApp(obs)...)
	return closed
}

// Tick closes the current session when the idle gap has elapsed with
// no new observations. Driven by the pipeline's timer.
func (s *Segmenter) Tick(now time.Time) []domain.Session {
	last, ok := s.lastObservation()
	if !ok {
		return nil
	}
	if now.Sub(last.Timestamp) <= s.idleGap {
		return nil
	}

	var closed []domain.Session
	if len(s.holdover) > 0 {
		// The pending switch never confirmed; the holdover belongs to
		// its own (possibly tiny) session.
		closed = appendSession(closed, s.close("idle_gap"))
		s.promoteHoldover()
	}
	closed = appendSession(closed, s.close("idle_gap"))
	return closed
}

// Flush closes whatever is open. Used on shutdown.
func (s *Segmenter) Flush() []domain.Session {
	var closed []domain.Session
	closed = appendSession(closed, s.close("shutdown"))
	s.promoteHoldover()
	closed = appendSession(closed, s.close("shutdown"))
	return closed
}

func (s *Segmenter) handleApp(obs domain.Observation) []domain.Session {
	if s.app == "" && obs.App != "" && len(s.holdover) == 0 {
		// First observation carrying an app identity adopts it.
		s.app = obs.App
		s.current = append(s.current, obs)
		return nil
	}

	if obs.App == "" || obs.App == s.app {
		if len(s.holdover) > 0 && obs.App == s.app {
			// Flipped back before the debounce fired; the excursion
			// stays part of the current session.
			s.current = append(s.current, s.holdover...)
			s.holdover = nil
			s.holdoverApp = ""
		}
		s.current = append(s.current, obs)
		return nil
	}

	if len(s.holdover) == 0 || obs.App != s.holdoverApp {
		s.holdover = []domain.Observation{obs}
		s.holdoverApp = obs.App
		s.switchSeen = obs.Timestamp
		return nil
	}

	s.holdover = append(s.holdover, obs)
	if obs.Timestamp.Sub(s.switchSeen) < s.appDebounce {
		return nil
	}

	// Switch confirmed: close the old session, holdover becomes the
	// new one.
	var closed []domain.Session
	closed = appendSession(closed, s.close("app_switch"))
	s.promoteHoldover()
	return closed
}

func (s *Segmenter) start(obs domain.Observation) {
	s.current = []domain.Observation{obs}
	s.app = obs.App
}

func (s *Segmenter) promoteHoldover() {
	if len(s.holdover) == 0 {
		return
	}
	s.current = s.holdover
	s.app = s.holdoverApp
	s.holdover = nil
	s.holdoverApp = ""
}

func (s *Segmenter) close(reason string) *domain.Session {
	if len(s.current) == 0 {
		return nil
	}

	obs := s.current
	s.current = nil

	session := domain.Session{
		ID:           uuid.New(),
		Start:        obs[0].Timestamp,
		End:          obs[len(obs)-1].Timestamp.Add(time.Nanosecond),
		App:          s.app,
		Observations: obs,
	}
	s.app = ""

	metrics.IncSessionClosed(reason)
	s.logger.Debug("session closed",
		"session_id", session.ID,
		"reason", reason,
		"observations", len(obs),
		"app", session.App,
	)
	return &session
}

func (s *Segmenter) lastObservation() (domain.Observation, bool) {
	if len(s.holdover) > 0 {
		return s.holdover[len(s.holdover)-1], true
	}
	if len(s.current) > 0 {
		return s.current[len(s.current)-1], true
	}
	return domain.Observation{}, false
}

func (s *Segmenter) isDuplicate(last, obs domain.Observation) bool {
	return obs.Kind == last.Kind &&
		obs.Payload == last.Payload &&
		obs.Timestamp.Sub(last.Timestamp) <= s.coalesceWindow
}

func appendSession(list []domain.Session, s *domain.Session) []domain.Session {
	if s == nil {
		return list
	}
	return append(list, *s)
}
