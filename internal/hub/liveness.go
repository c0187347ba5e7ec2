package hub

import (
	"context"

	"github.com/Tris860/websocket-service/internal/metrics"
)

// Sweep runs one liveness cycle over every registered session. A session
// that showed no activity since the previous cycle is terminated; the others
// have their flag cleared and are pinged. A session therefore dies between
// one and two intervals after it last answered.
func (h *Hub) Sweep(ctx context.Context) {
	for _, s := range h.sessions() {
		p := s.base()
		if !p.Open() {
			continue
		}
		if !p.alive.CompareAndSwap(true, false) {
			metrics.LivenessTerminated(s.Kind())
			h.logger.Info("terminating unresponsive session",
				"kind", s.Kind(),
				"session", p.id,
				"remote", p.remoteAddr,
			)
			p.terminate()
			continue
		}
		go h.ping(ctx, p)
	}
}

// ping waits up to one interval for the pong. coder/websocket only sees the
// pong while the session's read loop is running.
func (h *Hub) ping(ctx context.Context, p *peer) {
	ctx, cancel := context.WithTimeout(ctx, h.livenessInterval)
	defer cancel()
	if err := p.conn.Ping(ctx); err != nil {
		h.logger.Debug("ping unanswered", "session", p.id, "error", err)
		return
	}
	p.MarkAlive()
}
