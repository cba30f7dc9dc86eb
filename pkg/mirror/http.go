package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/crmmirror/crmmirror/pkg/ratelimit"
)

// AdminServer exposes the service lifecycle and statistics over HTTP.
type AdminServer struct {
	orchestrator *Orchestrator
	limiter      *ratelimit.Limiter
	logger       zerolog.Logger
	server       *http.Server
}

// NewAdminServer returns an admin server listening on addr.
func NewAdminServer(addr string, orchestrator *Orchestrator, limiter *ratelimit.Limiter, logger zerolog.Logger) *AdminServer {
	s := &AdminServer{
		orchestrator: orchestrator,
		limiter:      limiter,
		logger:       logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/registry/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/ratelimit/{category}", s.handleRateLimit).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the admin API.
func (s *AdminServer) ListenAndServe() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("admin api listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the admin server.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, for tests.
func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *AdminServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Start(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "started"})
}

func (s *AdminServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Stop(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "stopped"})
}

func (s *AdminServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Restart(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "restarted"})
}

func (s *AdminServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.RefreshObjectRegistry(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "refreshed"})
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orchestrator.Statistics())
}

func (s *AdminServer) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	category := mux.Vars(r)["category"]
	s.writeJSON(w, http.StatusOK, s.limiter.Usage(r.Context(), category))
}

func (s *AdminServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("writing admin response")
	}
}

func (s *AdminServer) writeError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("admin operation failed")
	s.writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: err.Error()})
}
