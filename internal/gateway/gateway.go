// Package gateway accepts WebSocket upgrade requests, tells devices from
// operators, verifies device credentials and runs each admitted session's
// read loop against the hub.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/Tris860/websocket-service/internal/config"
	"github.com/Tris860/websocket-service/internal/hub"
	"github.com/Tris860/websocket-service/internal/metrics"
	"github.com/Tris860/websocket-service/internal/upstream"
)

var (
	// ErrMalformedCredentials is returned when a device request lacks one of
	// the credential fields.
	ErrMalformedCredentials = errors.New("gateway: malformed credentials")

	// ErrInvalidCredentials is returned when the verification service rejects
	// the device.
	ErrInvalidCredentials = errors.New("gateway: invalid credentials")

	// ErrAuthServiceUnavailable is returned when the verification service
	// cannot give an answer. The device retries on its next reconnect.
	ErrAuthServiceUnavailable = errors.New("gateway: authentication service unavailable")

	// ErrThrottled is returned when device verification attempts exceed the
	// configured rate.
	ErrThrottled = errors.New("gateway: too many authentication attempts")
)

// Verifier checks device credentials.
type Verifier interface {
	VerifyDevice(ctx context.Context, username, password string) (upstream.Verification, error)
}

// Handler serves the WebSocket endpoint.
type Handler struct {
	hub      *hub.Hub
	verifier Verifier
	cfg      config.GatewayConfig
	limiter  *rate.Limiter
	// serverCtx bounds every session; cancelling it closes them all.
	serverCtx context.Context
	logger    *slog.Logger

	// sessions counts requests in ServeHTTP, hijacked ones included, so
	// shutdown can wait for their hub cleanup.
	sessions sync.WaitGroup
}

// NewHandler creates a gateway bound to serverCtx.
func NewHandler(serverCtx context.Context, h *hub.Hub, v Verifier, cfg config.GatewayConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Handler{
		hub:       h,
		verifier:  v,
		cfg:       cfg,
		serverCtx: serverCtx,
		logger:    logger.With("component", "gateway"),
	}
	if cfg.AuthRate > 0 {
		burst := cfg.AuthBurst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.AuthRate), burst)
	}
	return g
}

// ServeHTTP classifies the request: any credential header makes it a device
// upgrade, anything else an operator upgrade.
func (g *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.sessions.Add(1)
	defer g.sessions.Done()

	_, hasUser := r.Header[http.CanonicalHeaderKey(g.cfg.UsernameHeader)]
	_, hasPass := r.Header[http.CanonicalHeaderKey(g.cfg.PasswordHeader)]
	if hasUser || hasPass {
		g.serveDevice(w, r)
		return
	}
	g.serveOperator(w, r)
}

func (g *Handler) serveDevice(w http.ResponseWriter, r *http.Request) {
	username := r.Header.Get(g.cfg.UsernameHeader)
	password := r.Header.Get(g.cfg.PasswordHeader)

	v, err := g.authenticate(r.Context(), username, password)
	if err != nil {
		status := rejectStatus(err)
		metrics.AuthResult(authResultLabel(err))
		g.logger.Warn("device upgrade rejected",
			"claimed", username,
			"remote", r.RemoteAddr,
			"status", status,
			"error", err,
		)
		http.Error(w, http.StatusText(status), status)
		return
	}
	metrics.AuthResult("ok")

	conn, err := websocket.Accept(w, r, g.acceptOptions())
	if err != nil {
		g.logger.Error("websocket accept error", "device", v.DeviceName, "error", err)
		return
	}
	conn.SetReadLimit(g.cfg.MaxMessageSize)

	d := hub.NewDevice(conn, v.DeviceName, hub.InitialCommand(v.Preset), r.RemoteAddr)
	g.hub.AdmitDevice(g.serverCtx, d)
	if err := g.hub.SendInitialCommand(g.serverCtx, d); err != nil {
		g.logger.Warn("initial command not delivered", "device", d.Name(), "error", err)
	}

	err = g.readLoop(conn, d, func(ctx context.Context, payload []byte) {
		g.hub.RouteFromDevice(ctx, d, payload)
	})
	g.logClose(d, err)
	g.hub.RemoveDevice(g.serverCtx, d)
	_ = conn.CloseNow()
}

func (g *Handler) serveOperator(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get(g.cfg.IdentityParam)

	conn, err := websocket.Accept(w, r, g.acceptOptions())
	if err != nil {
		g.logger.Error("websocket accept error", "identity", identity, "error", err)
		return
	}
	conn.SetReadLimit(g.cfg.MaxMessageSize)

	o := hub.NewOperator(conn, identity, r.RemoteAddr)
	g.hub.AdmitOperator(o)
	go g.hub.AnnounceAssignment(g.serverCtx, o)

	err = g.readLoop(conn, o, func(ctx context.Context, payload []byte) {
		g.hub.RouteFromOperator(ctx, o, payload)
	})
	g.logClose(o, err)
	g.hub.RemoveOperator(o)
	_ = conn.CloseNow()
}

// Wait blocks until every request the handler accepted has returned, which
// for upgraded sessions means their hub entry is gone. Call it after the
// HTTP server stopped accepting connections.
func (g *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// authenticate validates the credential fields and asks the verifier. No hub
// state is touched here.
func (g *Handler) authenticate(ctx context.Context, username, password string) (upstream.Verification, error) {
	if username == "" || password == "" {
		return upstream.Verification{}, ErrMalformedCredentials
	}
	if g.limiter != nil && !g.limiter.Allow() {
		return upstream.Verification{}, ErrThrottled
	}

	v, err := g.verifier.VerifyDevice(ctx, username, password)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, upstream.ErrRejected):
		return upstream.Verification{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	default:
		return upstream.Verification{}, fmt.Errorf("%w: %w", ErrAuthServiceUnavailable, err)
	}
}

// readLoop processes inbound frames in arrival order until the transport
// fails. Every frame counts as liveness.
func (g *Handler) readLoop(conn *websocket.Conn, s hub.Session, handle func(context.Context, []byte)) error {
	for {
		_, payload, err := conn.Read(g.serverCtx)
		if err != nil {
			return err
		}
		s.MarkAlive()
		handle(g.serverCtx, payload)
	}
}

func (g *Handler) logClose(s hub.Session, err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		g.logger.Debug("session closed", "kind", s.Kind(), "session", s.ID())
	default:
		g.logger.Info("session ended", "kind", s.Kind(), "session", s.ID(), "error", err)
	}
}

func (g *Handler) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{
		// Field units send no Origin and operator pages are served from
		// elsewhere; origin policy is left to the fronting proxy.
		InsecureSkipVerify: true,
	}
}

// rejectStatus maps an authentication failure to the HTTP status returned
// instead of the upgrade.
func rejectStatus(err error) int {
	switch {
	case errors.Is(err, ErrMalformedCredentials):
		return http.StatusBadRequest
	case errors.Is(err, ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	}

	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden {
			return http.StatusUnauthorized
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func authResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrMalformedCredentials):
		return "malformed"
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid"
	default:
		return "unavailable"
	}
}
