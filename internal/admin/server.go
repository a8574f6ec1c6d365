// Package admin serves the read-only HTTP surface shared by the probe host
// and the coordinator: health, prometheus metrics and JSON status routes.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"punchctl/internal/api"
	"punchctl/internal/logging"
)

// StatusFunc produces the body of a JSON status route.
type StatusFunc func(r *http.Request) (any, error)

type Server struct {
	component string
	clock     clock.Clock
	started   time.Time
	log       *zap.Logger
	mux       *http.ServeMux
}

// New creates an admin server for component. A nil gatherer disables /metrics.
func New(component string, gatherer prometheus.Gatherer, clk clock.Clock, log *zap.Logger) *Server {
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{
		component: component,
		clock:     clk,
		started:   clk.Now(),
		log:       logging.OrNop(log).Named("admin"),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// HandleStatus registers a GET route answered with fn's result as JSON.
func (s *Server) HandleStatus(path string, fn StatusFunc) {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		v, err := fn(r)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, v)
	})
}

func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("admin listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	now := s.clock.Now()
	writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:    "ok",
		Component: s.component,
		StartedAt: s.started.UTC(),
		UptimeSec: now.Sub(s.started).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
