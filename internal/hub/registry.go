package hub

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Tris860/websocket-service/internal/metrics"
)

// AdmitDevice registers d as the active connection for its name. A different
// connection already registered under that name is displaced: it stops being
// routable immediately and is closed once the replace grace period elapses.
// Assigned operators are told the device is connected.
func (h *Hub) AdmitDevice(ctx context.Context, d *Device) {
	h.mu.Lock()
	old := h.devices[d.name]
	h.devices[d.name] = d
	slot := h.slotLocked(d.name)
	slot.gen++
	d.gen = slot.gen
	h.mu.Unlock()

	if old == nil {
		metrics.SessionAdded(metrics.KindDevice)
	} else if old != d {
		h.retire(old)
	}

	h.logger.Info("device registered",
		"device", d.name,
		"session", d.id,
		"remote", d.remoteAddr,
		"replaced", old != nil && old != d,
	)

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if h.superseded(d) {
		return
	}
	if err := h.presence.RecordConnect(d.name, d.remoteAddr, d.connectedAt); err != nil {
		h.logger.Warn("presence record failed", "device", d.name, "error", err)
	}
	h.events.DeviceStatus(d.name, true)
	h.notifyAssigned(ctx, d.name, StatusConnected)
}

// retire schedules the close of a displaced device connection.
func (h *Hub) retire(old *Device) {
	old.retired.Store(true)
	if !old.Open() {
		return
	}
	metrics.DeviceReplaced()
	h.logger.Info("device connection displaced",
		"device", old.name,
		"session", old.id,
		"grace", h.replaceGrace,
	)
	time.AfterFunc(h.replaceGrace, func() {
		old.MarkClosed()
		_ = old.conn.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	})
}

// AdmitOperator registers an operator session. Sessions sharing an identity
// coexist.
func (h *Hub) AdmitOperator(o *Operator) {
	h.mu.Lock()
	if o.identity == "" {
		h.anonymous[o] = struct{}{}
	} else {
		set, ok := h.operators[o.identity]
		if !ok {
			set = make(map[*Operator]struct{})
			h.operators[o.identity] = set
		}
		set[o] = struct{}{}
	}
	h.mu.Unlock()

	metrics.SessionAdded(metrics.KindOperator)
	h.logger.Info("operator registered",
		"identity", o.identity,
		"session", o.id,
		"remote", o.remoteAddr,
	)
}

// RemoveDevice deregisters d if, and only if, it is still the active
// connection for its name. A displaced connection tearing down late leaves
// its replacement untouched. It reports whether an entry was removed.
func (h *Hub) RemoveDevice(ctx context.Context, d *Device) bool {
	d.MarkClosed()

	h.mu.Lock()
	current, ok := h.devices[d.name]
	removed := ok && current == d
	if removed {
		delete(h.devices, d.name)
	}
	slot := h.slots[d.name]
	h.mu.Unlock()

	if !removed {
		h.logger.Debug("displaced device connection closed", "device", d.name, "session", d.id)
		return false
	}

	metrics.SessionRemoved(metrics.KindDevice)
	h.logger.Info("device unregistered", "device", d.name, "session", d.id)

	// A reconnect admitted meanwhile owns the status from here on; each step
	// re-checks so a late offline report never follows its CONNECTED.
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if h.superseded(d) {
		return true
	}
	if err := h.presence.RecordDisconnect(d.name, time.Now()); err != nil {
		h.logger.Warn("presence record failed", "device", d.name, "error", err)
	}
	if h.superseded(d) {
		return true
	}
	h.events.DeviceStatus(d.name, false)
	if h.superseded(d) {
		return true
	}
	h.notifyAssigned(ctx, d.name, StatusDisconnected)
	return true
}

// deviceSlot orders the status side effects (presence journal, event bus,
// operator notices) of one device name.
type deviceSlot struct {
	mu sync.Mutex
	// gen counts admissions under the name. Guarded by Hub.mu.
	gen uint64
}

// slotLocked returns the slot for name, creating it. h.mu must be held.
func (h *Hub) slotLocked(name string) *deviceSlot {
	slot, ok := h.slots[name]
	if !ok {
		slot = &deviceSlot{}
		h.slots[name] = slot
	}
	return slot
}

// superseded reports whether a connection admitted after d has taken its
// name.
func (h *Hub) superseded(d *Device) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.slots[d.name].gen != d.gen
}

// RemoveOperator deregisters an operator session. The identity key is dropped
// with its last session.
func (h *Hub) RemoveOperator(o *Operator) {
	o.MarkClosed()

	h.mu.Lock()
	var removed bool
	if o.identity == "" {
		_, removed = h.anonymous[o]
		delete(h.anonymous, o)
	} else if set, ok := h.operators[o.identity]; ok {
		_, removed = set[o]
		delete(set, o)
		if len(set) == 0 {
			delete(h.operators, o.identity)
		}
	}
	h.mu.Unlock()

	if removed {
		metrics.SessionRemoved(metrics.KindOperator)
		h.logger.Info("operator unregistered", "identity", o.identity, "session", o.id)
	}
}

// LookupDevice returns the active connection registered for name.
// It is safe for concurrent use.
func (h *Hub) LookupDevice(name string) (*Device, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.devices[name]
	return d, ok
}

// DeviceOnline reports whether name has an open registered connection.
func (h *Hub) DeviceOnline(name string) bool {
	d, ok := h.LookupDevice(name)
	return ok && d.Open()
}

// OperatorsAssignedTo returns a snapshot of the operator sessions whose
// resolved assignment is name.
func (h *Hub) OperatorsAssignedTo(name string) []*Operator {
	if name == "" {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Operator
	for _, set := range h.operators {
		for o := range set {
			if o.AssignedDevice() == name {
				out = append(out, o)
			}
		}
	}
	return out
}

// OperatorsFor returns a snapshot of the open sessions of identity.
func (h *Hub) OperatorsFor(identity string) []*Operator {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.operators[identity]
	out := make([]*Operator, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	return out
}

// Devices returns a snapshot of the registered device sessions.
func (h *Hub) Devices() []*Device {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Device, 0, len(h.devices))
	for _, d := range h.devices {
		out = append(out, d)
	}
	return out
}

// Operators returns a snapshot of every operator session, with or without an
// identity.
func (h *Hub) Operators() []*Operator {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Operator, 0, len(h.anonymous))
	for o := range h.anonymous {
		out = append(out, o)
	}
	for _, set := range h.operators {
		for o := range set {
			out = append(out, o)
		}
	}
	return out
}

// sessions returns a snapshot of every registered session.
func (h *Hub) sessions() []Session {
	devices := h.Devices()
	operators := h.Operators()

	out := make([]Session, 0, len(devices)+len(operators))
	for _, d := range devices {
		out = append(out, d)
	}
	for _, o := range operators {
		out = append(out, o)
	}
	return out
}
