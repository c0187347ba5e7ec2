package hub

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Tris860/websocket-service/internal/metrics"
)

var (
	// ErrSessionClosed is returned when sending on a session whose transport
	// has been torn down.
	ErrSessionClosed = errors.New("hub: session closed")

	// ErrSendFailed wraps transport write errors.
	ErrSendFailed = errors.New("hub: send failed")
)

// Conn is the transport a session owns. *websocket.Conn satisfies it; all
// methods must be safe for concurrent use.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// Session is a registered connection: either a *Device or an *Operator.
// The kind is fixed when the session is created.
type Session interface {
	ID() string
	Kind() string
	RemoteAddr() string
	Open() bool
	MarkAlive()
	MarkClosed()

	base() *peer
}

// peer holds the transport state shared by both session kinds.
type peer struct {
	id          string
	conn        Conn
	remoteAddr  string
	connectedAt time.Time

	alive  atomic.Bool
	closed atomic.Bool
}

func newPeer(conn Conn, remoteAddr string) peer {
	return peer{
		id:          uuid.NewString(),
		conn:        conn,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
	}
}

func (p *peer) base() *peer { return p }

// ID returns the session's unique id.
func (p *peer) ID() string { return p.id }

// RemoteAddr returns the peer address reported at upgrade time.
func (p *peer) RemoteAddr() string { return p.remoteAddr }

// ConnectedAt returns when the session was created.
func (p *peer) ConnectedAt() time.Time { return p.connectedAt }

// Open reports whether the transport is still usable.
func (p *peer) Open() bool { return !p.closed.Load() }

// MarkAlive records inbound activity (a pong or an application frame).
func (p *peer) MarkAlive() { p.alive.Store(true) }

// MarkClosed flags the transport as gone. The owning read loop calls it on
// exit, before deregistering the session.
func (p *peer) MarkClosed() { p.closed.Store(true) }

func (p *peer) send(ctx context.Context, msg string) error {
	if p.closed.Load() {
		return ErrSessionClosed
	}
	if err := p.conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

// terminate drops the transport without a close handshake. The read loop
// observes the failure and performs registry cleanup.
func (p *peer) terminate() {
	p.closed.Store(true)
	_ = p.conn.CloseNow()
}

// Device is an authenticated field unit.
type Device struct {
	peer
	name           string
	initialCommand string
	retired        atomic.Bool
	// gen is the admission number under name, set by AdmitDevice.
	gen uint64
}

// NewDevice creates a device session for a verified connection.
func NewDevice(conn Conn, name, initialCommand, remoteAddr string) *Device {
	d := &Device{
		peer:           newPeer(conn, remoteAddr),
		name:           name,
		initialCommand: initialCommand,
	}
	d.alive.Store(true)
	return d
}

// Kind returns metrics.KindDevice.
func (d *Device) Kind() string { return metrics.KindDevice }

// Name returns the canonical device name.
func (d *Device) Name() string { return d.name }

// InitialCommand returns the command sent right after admission.
func (d *Device) InitialCommand() string { return d.initialCommand }

// Retired reports whether a newer connection displaced this one.
func (d *Device) Retired() bool { return d.retired.Load() }

// Operator is an interactive client session. Several operators may share an
// identity; the identity may be empty, in which case nothing is routed.
type Operator struct {
	peer
	identity string
	device   atomic.Pointer[string]
}

// NewOperator creates an operator session.
func NewOperator(conn Conn, identity, remoteAddr string) *Operator {
	o := &Operator{
		peer:     newPeer(conn, remoteAddr),
		identity: identity,
	}
	o.alive.Store(true)
	return o
}

// Kind returns metrics.KindOperator.
func (o *Operator) Kind() string { return metrics.KindOperator }

// Identity returns the operator identity, or "" when none was supplied.
func (o *Operator) Identity() string { return o.identity }

// AssignedDevice returns the last resolved device name, or "".
func (o *Operator) AssignedDevice() string {
	if name := o.device.Load(); name != nil {
		return *name
	}
	return ""
}

func (o *Operator) setAssignedDevice(name string) {
	if name == "" {
		o.device.Store(nil)
		return
	}
	o.device.Store(&name)
}
