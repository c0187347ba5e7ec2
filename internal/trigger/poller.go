// Package trigger polls the condition service and broadcasts to every session
// when it reports a match.
package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/Tris860/websocket-service/internal/metrics"
	"github.com/Tris860/websocket-service/internal/upstream"
)

// Checker asks the condition service for its current answer.
type Checker interface {
	CheckCondition(ctx context.Context) (upstream.Condition, error)
}

// Broadcaster delivers a matched condition to every session.
type Broadcaster interface {
	Broadcast(ctx context.Context, message, id string)
}

// Poller runs the condition check on a fixed interval. Polls never overlap:
// a slow check delays the next tick instead of running alongside it.
type Poller struct {
	checker     Checker
	broadcaster Broadcaster
	interval    time.Duration
	logger      *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(c Checker, b Broadcaster, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		checker:     c,
		broadcaster: b,
		interval:    interval,
		logger:      logger.With("component", "trigger"),
	}
}

// Run polls once immediately and then every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("condition poller started", "interval", p.interval)
	p.Poll(ctx)

	for {
		select {
		case <-ticker.C:
			p.Poll(ctx)
		case <-ctx.Done():
			p.logger.Info("condition poller stopped")
			return
		}
	}
}

// Poll performs a single check. A failed or negative check broadcasts
// nothing; the next tick tries again.
func (p *Poller) Poll(ctx context.Context) {
	cond, err := p.checker.CheckCondition(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.PollResult("error")
		p.logger.Warn("condition check failed", "error", err)
		return
	}
	if !cond.Matched {
		metrics.PollResult("unmatched")
		p.logger.Debug("condition not matched", "message", cond.Message)
		return
	}

	metrics.PollResult("matched")
	p.logger.Info("condition matched", "message", cond.Message, "id", cond.ID)
	p.broadcaster.Broadcast(ctx, cond.Message, cond.ID)
}
