package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tris860/websocket-service/internal/assignment"
	"github.com/Tris860/websocket-service/internal/config"
	"github.com/Tris860/websocket-service/internal/events"
	"github.com/Tris860/websocket-service/internal/gateway"
	"github.com/Tris860/websocket-service/internal/hub"
	"github.com/Tris860/websocket-service/internal/store"
	"github.com/Tris860/websocket-service/internal/trigger"
	"github.com/Tris860/websocket-service/internal/upstream"
)

// run wires the relay together and blocks until ctx is cancelled or a
// component fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client := upstream.NewClient(upstream.Options{
		VerifyURL:     cfg.Upstream.VerifyURL,
		AssignmentURL: cfg.Upstream.AssignmentURL,
		ConditionURL:  cfg.Upstream.ConditionURL,
		Timeout:       cfg.Upstream.Timeout,
	})
	cache := assignment.NewCache(client, cfg.Assignments.Size, cfg.Assignments.TTL)

	opts := hub.Options{
		Resolver:         cache,
		WriteTimeout:     cfg.Gateway.WriteTimeout,
		ReplaceGrace:     cfg.Gateway.ReplaceGrace,
		LivenessInterval: cfg.Liveness.Interval,
		Logger:           logger,
	}

	var devices presenceLister
	if cfg.Store.Path != "" {
		db, err := store.OpenDB(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening presence store: %w", err)
		}
		defer db.Close()

		journal, err := store.NewPresenceJournal(db)
		if err != nil {
			return fmt.Errorf("initialising presence journal: %w", err)
		}
		preparePresence(journal, cfg.Store.Retention, logger)
		opts.Presence = journal
		devices = journal
	}

	if cfg.MQTT.Enabled {
		pub, err := events.Connect(cfg.MQTT, logger)
		if err != nil {
			return fmt.Errorf("connecting event broker: %w", err)
		}
		defer pub.Close()
		opts.Events = pub
	}

	h := hub.NewHub(opts)

	g, gctx := errgroup.WithContext(ctx)
	gw := gateway.NewHandler(gctx, h, client, cfg.Gateway, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(h, gw, devices, cfg.Gateway.Path, logger),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g.Go(func() error {
		h.Run(gctx)
		return nil
	})

	if cfg.Trigger.Enabled {
		poller := trigger.NewPoller(client, h, cfg.Trigger.Interval, logger)
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("relay starting", "addr", cfg.Server.Addr, "path", cfg.Gateway.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		// Hijacked WebSocket handlers outlive Shutdown. Their teardown still
		// writes presence and events, so the store and broker stay open
		// until they are done.
		if werr := gw.Wait(shutdownCtx); werr != nil {
			logger.Warn("sessions still open at shutdown", "error", werr)
		}
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	logger.Info("relay stopped")
	return err
}

// preparePresence closes out records a previous process left online and
// drops records older than retention.
func preparePresence(j *store.PresenceJournal, retention time.Duration, logger *slog.Logger) {
	if n, err := j.MarkAllOffline(time.Now()); err != nil {
		logger.Warn("presence reset failed", "error", err)
	} else if n > 0 {
		logger.Info("presence records closed from previous run", "count", n)
	}

	if retention <= 0 {
		return
	}
	if n, err := j.Prune(retention); err != nil {
		logger.Warn("presence prune failed", "error", err)
	} else if n > 0 {
		logger.Info("presence records pruned", "count", n, "retention", retention)
	}
}
