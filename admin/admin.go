// Package admin serves the operational HTTP endpoints of a bridge: health,
// Prometheus metrics and route states.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rpcbridge/registry"
	"rpcbridge/supervisor"
)

// Status is the view of the supervisor the endpoints need.
type Status interface {
	Routes() []supervisor.RouteState
	Healthy() bool
}

// Handler returns the admin routes. reg may be nil.
func Handler(st Status, reg registry.Registry, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if st.Healthy() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
		var down []string
		for _, rs := range st.Routes() {
			if rs.State != supervisor.Active {
				down = append(down, rs.Name+"="+string(rs.State))
			}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("unhealthy: " + strings.Join(down, ", ")))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/routes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, st.Routes(), log)
	})
	// ROS names contain slashes, so the route name is the rest of the path.
	r.Get("/routes/*", func(w http.ResponseWriter, r *http.Request) {
		name := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
		for _, rs := range st.Routes() {
			if rs.Name == name {
				writeJSON(w, http.StatusOK, rs, log)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no route " + name))
	})

	r.Get("/registry", func(w http.ResponseWriter, r *http.Request) {
		if reg == nil {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("no registry configured"))
			return
		}
		routes, err := reg.Discover(r.Context())
		if err != nil {
			log.Warn("registry discover failed", zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, routes, log)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response", zap.Error(err))
	}
}

// Serve runs the admin server on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("admin listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("admin shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
