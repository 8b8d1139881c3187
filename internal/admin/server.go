// Package admin exposes the operator HTTP surface: manual scan and dispatch
// triggers, prometheus metrics and a liveness probe.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"savings-alerts/internal/dispatch"
	"savings-alerts/internal/service"
)

// Trigger runs the pipeline on demand.
type Trigger interface {
	ScanNow(ctx context.Context) (int, time.Time, error)
	DispatchNow(ctx context.Context) (dispatch.Stats, error)
}

// ScanResponse is returned by POST /admin/scan.
type ScanResponse struct {
	Enqueued  int    `json:"enqueued"`
	ScannedAt string `json:"scanned_at"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status   string            `json:"status"`
	Channels map[string]string `json:"channels,omitempty"`
}

// Server serves the admin endpoints.
type Server struct {
	addr     string
	token    string
	trigger  Trigger
	channels func() map[string]string
	logger   zerolog.Logger
}

// NewServer builds the admin server. An empty token disables authentication.
func NewServer(addr, token string, trigger Trigger, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		token:   token,
		trigger: trigger,
		logger:  logger.With().Str("component", "admin").Logger(),
	}
}

// WithChannelStates reports per-channel breaker states on /healthz.
func (s *Server) WithChannelStates(fn func() map[string]string) *Server {
	s.channels = fn
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("POST /admin/scan", s.authorize(http.HandlerFunc(s.handleScan)))
	mux.Handle("POST /admin/dispatch", s.authorize(http.HandlerFunc(s.handleDispatch)))
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("admin server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("admin server shutdown error")
		return err
	}
	s.logger.Info().Msg("admin server stopped")
	return nil
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.channels != nil {
		resp.Channels = s.channels()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	n, at, err := s.trigger.ScanNow(r.Context())
	if err != nil {
		s.fail(w, "scan", err)
		return
	}
	writeJSON(w, http.StatusOK, ScanResponse{Enqueued: n, ScannedAt: at.UTC().Format(time.RFC3339)})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	stats, err := s.trigger.DispatchNow(r.Context())
	if err != nil {
		s.fail(w, "dispatch", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// fail logs the cause and answers with a generic message; transport detail never leaves the process.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, service.ErrSkipped) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": op + " already running on another instance"})
		return
	}
	s.logger.Error().Err(err).Str("op", op).Msg("manual trigger failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
