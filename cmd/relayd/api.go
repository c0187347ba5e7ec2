package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tris860/websocket-service/internal/hub"
	"github.com/Tris860/websocket-service/internal/store"
)

// presenceLister reads the device presence journal.
type presenceLister interface {
	List() ([]store.Presence, error)
}

func newRouter(h *hub.Hub, ws http.Handler, devices presenceLister, wsPath string, logger *slog.Logger) http.Handler {
	logger = logger.With("component", "api")

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get(wsPath, upgradeOrBanner(ws))
	r.Get("/health", healthHandler(h, logger))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", devicesHandler(h, devices, logger))
		r.Delete("/assignments/{identity}", invalidateHandler(h, logger))
	})
	return r
}

// upgradeOrBanner hands WebSocket upgrades to ws and answers plain GETs with
// a short banner.
func upgradeOrBanner(ws http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, "WebSocket relay is running. Connect with a WebSocket client.\n")
			return
		}
		ws.ServeHTTP(w, r)
	}
}

// healthHandler returns the goroutine count and the registered session
// counts.
func healthHandler(h *hub.Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]int{
			"goroutines": runtime.NumGoroutine(),
			"devices":    h.DeviceCount(),
			"operators":  h.OperatorCount(),
		})
	}
}

// devicesHandler lists known devices. The journal supplies history; the
// online flag always comes from the live registry. Without a journal only
// connected devices are listed.
func devicesHandler(h *hub.Hub, journal presenceLister, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if journal == nil {
			live := h.Devices()
			out := make([]store.Presence, 0, len(live))
			for _, d := range live {
				out = append(out, store.Presence{
					Name:        d.Name(),
					RemoteAddr:  d.RemoteAddr(),
					Online:      d.Open(),
					ConnectedAt: d.ConnectedAt(),
				})
			}
			writeJSON(w, logger, http.StatusOK, out)
			return
		}

		records, err := journal.List()
		if err != nil {
			logger.Error("listing presence journal", "error", err)
			http.Error(w, "presence journal unavailable", http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []store.Presence{}
		}
		for i := range records {
			records[i].Online = h.DeviceOnline(records[i].Name)
		}
		writeJSON(w, logger, http.StatusOK, records)
	}
}

// invalidateHandler drops the cached assignment of an operator identity so
// its sessions re-resolve.
func invalidateHandler(h *hub.Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := chi.URLParam(r, "identity")
		if identity == "" {
			http.Error(w, "missing identity", http.StatusBadRequest)
			return
		}
		cached := h.InvalidateAssignment(r.Context(), identity)
		logger.Info("assignment invalidated", "identity", identity, "cached", cached)
		writeJSON(w, logger, http.StatusOK, map[string]any{
			"identity": identity,
			"cached":   cached,
		})
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encoding response", "error", err)
	}
}
