package hub

import (
	"context"
	"errors"

	"github.com/Tris860/websocket-service/internal/metrics"
)

const (
	directionToDevice   = "to_device"
	directionToOperator = "to_operator"
	directionBroadcast  = "broadcast"
)

// RouteFromOperator forwards an operator frame to the operator's assigned
// device. The sender always gets exactly one feedback frame: a failure code,
// a disconnected status, MESSAGE_DELIVERED or MESSAGE_FAILED. Delivery means
// the local write succeeded, not that the device acted on it.
func (h *Hub) RouteFromOperator(ctx context.Context, o *Operator, payload []byte) {
	if o.identity == "" {
		metrics.Routed(directionToDevice, "no_identity")
		h.reply(ctx, o, MessageFailedNoUserIdentity)
		return
	}

	name, err := h.resolve(ctx, o)
	if err != nil {
		metrics.Routed(directionToDevice, "unassigned")
		h.logger.Debug("operator has no device assignment", "identity", o.identity, "error", err)
		h.reply(ctx, o, MessageFailedNoDeviceAssigned)
		return
	}

	d, ok := h.LookupDevice(name)
	if !ok || !d.Open() {
		metrics.Routed(directionToDevice, "offline")
		h.reply(ctx, o, StatusDisconnected)
		return
	}

	if err := h.deliver(ctx, d, string(payload)); err != nil {
		metrics.Routed(directionToDevice, "failed")
		h.logger.Warn("forward to device failed",
			"device", name,
			"identity", o.identity,
			"error", err,
		)
		h.reply(ctx, o, MessageFailed)
		return
	}

	metrics.Routed(directionToDevice, "delivered")
	h.events.DeviceCommand(name, payload)
	h.reply(ctx, o, MessageDelivered)
}

// RouteFromDevice fans a device frame out to every open operator session
// assigned to that device. A failed send is logged and does not stop the
// remaining sends.
func (h *Hub) RouteFromDevice(ctx context.Context, d *Device, payload []byte) {
	h.events.DeviceMessage(d.name, payload)

	msg := DeviceMessagePrefix + string(payload)
	for _, o := range h.OperatorsAssignedTo(d.name) {
		if !o.Open() {
			continue
		}
		if err := h.deliver(ctx, o, msg); err != nil {
			metrics.Routed(directionToOperator, "failed")
			h.logger.Warn("forward to operator failed",
				"device", d.name,
				"identity", o.identity,
				"session", o.id,
				"error", err,
			)
			continue
		}
		metrics.Routed(directionToOperator, "delivered")
	}
}

// Broadcast sends AUTO_ON to every registered device and a TIME_MATCHED
// notice to every operator session regardless of assignment.
func (h *Hub) Broadcast(ctx context.Context, message, id string) {
	devices := h.Devices()
	operators := h.Operators()

	for _, d := range devices {
		if !d.Open() {
			continue
		}
		if err := h.deliver(ctx, d, CommandAutoOn); err != nil {
			metrics.Routed(directionBroadcast, "failed")
			h.logger.Warn("broadcast to device failed", "device", d.name, "error", err)
			continue
		}
		metrics.Routed(directionBroadcast, "delivered")
	}

	notice := TimeMatched(message, id)
	for _, o := range operators {
		if !o.Open() {
			continue
		}
		if err := h.deliver(ctx, o, notice); err != nil {
			metrics.Routed(directionBroadcast, "failed")
			h.logger.Warn("broadcast to operator failed", "identity", o.identity, "session", o.id, "error", err)
			continue
		}
		metrics.Routed(directionBroadcast, "delivered")
	}

	h.logger.Info("broadcast sent",
		"message", message,
		"id", id,
		"devices", len(devices),
		"operators", len(operators),
	)
}

// SendInitialCommand delivers the command chosen at verification time. It
// must follow AdmitDevice so the device only hears it once it is routable.
func (h *Hub) SendInitialCommand(ctx context.Context, d *Device) error {
	if d.initialCommand == "" {
		return nil
	}
	return h.deliver(ctx, d, d.initialCommand)
}

// AnnounceAssignment resolves the operator's device and pushes its current
// status. Called right after admission; on failure the operator is left to
// resolve lazily on its first send.
func (h *Hub) AnnounceAssignment(ctx context.Context, o *Operator) {
	if o.identity == "" {
		return
	}
	name, err := h.resolve(ctx, o)
	if err != nil {
		h.logger.Debug("eager assignment lookup failed", "identity", o.identity, "error", err)
		return
	}

	status := StatusDisconnected
	if h.DeviceOnline(name) {
		status = StatusConnected
	}
	h.reply(ctx, o, status)
}

// InvalidateAssignment drops the cached assignment of identity and
// re-resolves each of its open sessions in the background.
func (h *Hub) InvalidateAssignment(ctx context.Context, identity string) bool {
	dropped := h.resolver != nil && h.resolver.Invalidate(identity)
	ctx = context.WithoutCancel(ctx)
	for _, o := range h.OperatorsFor(identity) {
		o.setAssignedDevice("")
		go h.AnnounceAssignment(ctx, o)
	}
	return dropped
}

// resolve looks up the operator's device through the resolver and remembers
// the answer on the session. The registry lock is not held while waiting.
func (h *Hub) resolve(ctx context.Context, o *Operator) (string, error) {
	if h.resolver == nil {
		return "", errNoResolver
	}
	name, err := h.resolver.Resolve(ctx, o.identity)
	if err != nil {
		return "", err
	}
	o.setAssignedDevice(name)
	return name, nil
}

var errNoResolver = errors.New("hub: no assignment resolver configured")

// notifyAssigned pushes a status frame to the operators assigned to name.
func (h *Hub) notifyAssigned(ctx context.Context, name, status string) {
	for _, o := range h.OperatorsAssignedTo(name) {
		if !o.Open() {
			continue
		}
		h.reply(ctx, o, status)
	}
}

// reply sends a feedback frame to an operator, logging failures.
func (h *Hub) reply(ctx context.Context, o *Operator, msg string) {
	if err := h.deliver(ctx, o, msg); err != nil {
		h.logger.Debug("operator feedback not delivered",
			"identity", o.identity,
			"session", o.id,
			"frame", msg,
			"error", err,
		)
	}
}
