// Package server exposes the gate node's operational HTTP surface: health,
// per-store statistics and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/venueops/gateguard/internal/store"
	"github.com/venueops/gateguard/internal/telemetry"
)

// HealthReporter reports per-worker liveness. The supervisor implements it;
// a nil reporter means no workers are supervised (monitor-only mode).
type HealthReporter interface {
	Healthy() map[string]bool
}

// Server is the monitor HTTP server. It serves read-only operational data
// and never touches ticket state.
type Server struct {
	addr    string
	stores  []*store.Store
	metrics *telemetry.Metrics
	health  HealthReporter
	httpSrv *http.Server
}

// New builds the monitor server. health and metrics may be nil.
func New(addr string, stores []*store.Store, metrics *telemetry.Metrics, health HealthReporter) *Server {
	s := &Server{
		addr:    addr,
		stores:  stores,
		metrics: metrics,
		health:  health,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("Monitor server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Monitor server shutdown failed")
		}
		return ctx.Err()
	}
}

type healthResponse struct {
	Status  string          `json:"status"`
	Workers map[string]bool `json:"workers,omitempty"`
	Stores  map[string]bool `json:"stores"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Stores: map[string]bool{}}

	for _, st := range s.stores {
		ok := st.Ping(r.Context()) == nil
		resp.Stores[st.Gate()] = ok
		if !ok {
			resp.Status = "degraded"
		}
	}
	if s.health != nil {
		resp.Workers = s.health.Healthy()
		for _, alive := range resp.Workers {
			if !alive {
				resp.Status = "degraded"
			}
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := make([]store.Stats, 0, len(s.stores))
	for _, st := range s.stores {
		stat, err := st.Stats(r.Context())
		if err != nil {
			log.Error().Err(err).Str("gate", st.Gate()).Msg("Stats query failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
			return
		}
		stats = append(stats, stat)
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
