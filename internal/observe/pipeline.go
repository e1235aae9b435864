// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"context"
	"log/slog"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
)

// Pipeline drains the buffer into the segmenter and publishes closed
// sessions. It is the producer side of the learning loop and must
// never block on downstream consumers: when the session channel is
// full the oldest pending session is discarded.
type Pipeline struct {
	buffer    *Buffer
	segmenter *Segmenter
	logger    *slog.Logger
	tickEvery time.Duration

	sessions chan domain.Session
}

type PipelineDeps struct {
	Buffer    *Buffer
	Segmenter *Segmenter
	Logger    *slog.Logger
	TickEvery time.Duration
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := deps.TickEvery
	if tick <= 0 {
		tick = time.Second
	}
	return &Pipeline{
		buffer:    deps.Buffer,
		segmenter: deps.Segmenter,
		logger:    logger,
		tickEvery: tick,
		sessions:  make(chan domain.Session, 16),
	}
}

// Sessions is the stream of closed sessions for the learner.
func (p *Pipeline) Sessions() <-chan domain.Session {
	return p.sessions
}

// Run drives the pipeline until ctx is done, then flushes any open
// session.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			p.publish(p.segmenter.Flush())
			close(p.sessions)
			return ctx.Err()
		case <-p.buffer.Notify():
			p.drain()
		case <-ticker.C:
			p.drain()
			p.publish(p.segmenter.Tick(time.Now()))
		}
	}
}

func (p *Pipeline) drain() {
	for _, obs := range p.buffer.Drain() {
		p.publish(p.segmenter.Append(obs))
	}
}

func (p *Pipeline) publish(sessions []domain.Session) {
	for _, session := range sessions {
		select {
		case p.sessions <- session:
		default:
			// Learner is behind; discard the oldest pending session so
			// ingestion keeps its bounded latency.
			select {
			case dropped := <-p.sessions:
				p.logger.Warn("session discarded under backpressure",
					"session_id", dropped.ID,
					"observations", len(dropped.Observations),
				)
			default:
			}
			select {
			case p.sessions <- session:
			default:
			}
		}
	}
}
