// Package hub implements the relay's connection registry and message router.
// The Hub maps device names to the single active device connection and
// operator identities to their open sessions, forwards frames between an
// operator and its assigned device, and sweeps dead connections.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Resolver maps an operator identity to the device it controls.
type Resolver interface {
	Resolve(ctx context.Context, identity string) (string, error)
	Invalidate(identity string) bool
}

// EventSink mirrors device activity to an external bus.
type EventSink interface {
	DeviceStatus(name string, online bool)
	DeviceMessage(name string, payload []byte)
	DeviceCommand(name string, payload []byte)
}

// PresenceRecorder keeps a history of device connections.
type PresenceRecorder interface {
	RecordConnect(name, remoteAddr string, at time.Time) error
	RecordDisconnect(name string, at time.Time) error
}

// Options configures a Hub.
type Options struct {
	Resolver Resolver

	// WriteTimeout bounds every frame written to a session.
	WriteTimeout time.Duration
	// ReplaceGrace is how long a displaced device connection keeps draining
	// before it is closed. It is a heuristic, not a delivery guarantee.
	ReplaceGrace time.Duration
	// LivenessInterval is the ping sweep period.
	LivenessInterval time.Duration

	Events   EventSink
	Presence PresenceRecorder
	Logger   *slog.Logger
}

const (
	defaultWriteTimeout     = 10 * time.Second
	defaultLivenessInterval = 30 * time.Second
)

// Hub maintains the registered sessions and routes messages between them.
// A single RWMutex serializes every registry mutation and every read a
// routing decision depends on; sends always happen outside the lock.
type Hub struct {
	// devices maps device names to the active device session.
	devices map[string]*Device

	// operators maps operator identities to their open sessions.
	operators map[string]map[*Operator]struct{}

	// anonymous holds operator sessions without an identity.
	anonymous map[*Operator]struct{}

	// slots holds per-name admission state. Entries are kept once created;
	// the set of device names is small and long-lived.
	slots map[string]*deviceSlot

	mu sync.RWMutex

	resolver         Resolver
	events           EventSink
	presence         PresenceRecorder
	writeTimeout     time.Duration
	replaceGrace     time.Duration
	livenessInterval time.Duration
	logger           *slog.Logger
}

// NewHub creates a Hub with empty indexes.
func NewHub(opts Options) *Hub {
	h := &Hub{
		devices:          make(map[string]*Device),
		operators:        make(map[string]map[*Operator]struct{}),
		anonymous:        make(map[*Operator]struct{}),
		slots:            make(map[string]*deviceSlot),
		resolver:         opts.Resolver,
		events:           opts.Events,
		presence:         opts.Presence,
		writeTimeout:     opts.WriteTimeout,
		replaceGrace:     opts.ReplaceGrace,
		livenessInterval: opts.LivenessInterval,
		logger:           opts.Logger,
	}
	if h.events == nil {
		h.events = noopEvents{}
	}
	if h.presence == nil {
		h.presence = noopPresence{}
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	if h.livenessInterval <= 0 {
		h.livenessInterval = defaultLivenessInterval
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// Run drives the liveness sweep until the context is cancelled, then closes
// every registered session. Run should be called in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Sweep(ctx)

		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("hub stopped")
			return
		}
	}
}

// closeAll sends a going-away close to every registered session. The read
// loops then deregister them.
func (h *Hub) closeAll() {
	for _, s := range h.sessions() {
		p := s.base()
		go func() {
			_ = p.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}()
	}
}

// DeviceCount returns the number of registered devices.
// It is safe for concurrent use.
func (h *Hub) DeviceCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// OperatorCount returns the number of open operator sessions.
// It is safe for concurrent use.
func (h *Hub) OperatorCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.anonymous)
	for _, set := range h.operators {
		n += len(set)
	}
	return n
}

// deliver writes msg to s, bounded by the configured write timeout.
func (h *Hub) deliver(ctx context.Context, s Session, msg string) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return s.base().send(ctx, msg)
}

type noopEvents struct{}

func (noopEvents) DeviceStatus(string, bool) {}
func (noopEvents) DeviceMessage(string, []byte) {}
func (noopEvents) DeviceCommand(string, []byte) {}

type noopPresence struct{}

func (noopPresence) RecordConnect(string, string, time.Time) error { return nil }
func (noopPresence) RecordDisconnect(string, time.Time) error { return nil }
