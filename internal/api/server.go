package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"AirShare/internal/estimate"
	"AirShare/internal/logger"
	"AirShare/internal/registry"
	"AirShare/internal/round"
	"AirShare/internal/settle"
)

// ReportSubmitter accepts channel reports for the current round.
type ReportSubmitter interface {
	SubmitReport(user, operator registry.ID, report []byte) (uint64, error)
}

// Registrar manages user and operator identities.
type Registrar interface {
	AddUser(id registry.ID) bool
	AddOperator(id registry.ID) bool
	Users() []registry.ID
	Operators() []registry.ID
}

// RateAdmin configures per-operator service rates.
type RateAdmin interface {
	SetOperatorRate(operator registry.ID, rate uint64) error
}

// RoundAdvancer runs the round barrier.
type RoundAdvancer interface {
	AdvanceRound() (round.Result, error)
	Round() uint64
}

// Snapshotter produces a portable snapshot of the scheduler state.
type Snapshotter interface {
	Snapshot() ([]byte, error)
}

// Config holds the collaborators of the HTTP server.
type Config struct {
	Addr      string              // Addr is the HTTP listen address
	Reports   ReportSubmitter     // Reports accepts channel reports
	Registry  Registrar           // Registry manages identities
	Rates     RateAdmin           // Rates configures operator billing rates
	Rounds    RoundAdvancer       // Rounds runs the round barrier
	Snapshot  Snapshotter         // Snapshot exports scheduler state (optional)
	Metrics   http.Handler        // Metrics serves GET /metrics (optional)
	OnInvalid func()              // OnInvalid is called for each rejected report (optional)
	OnRound   func(time.Duration) // OnRound is called with the duration of each advanced round (optional)
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config       // cfg holds the collaborators
	server *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /report", s.handleSubmitReport)
	mux.HandleFunc("POST /users", s.handleAddUser)
	mux.HandleFunc("POST /operators", s.handleAddOperator)
	mux.HandleFunc("PUT /operators/{id}/rate", s.handleSetRate)
	mux.HandleFunc("POST /round/advance", s.handleAdvanceRound)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.cfg.Snapshot != nil {
		mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	}

	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}

	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.cfg.Addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Handler returns the server's HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	if s.server == nil {
		return nil
	}

	return s.server.Handler
}

// handleSubmitReport handles POST /report requests.
func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	user, operator, report, err := decodeReportRequest(r)
	if err != nil {
		s.countInvalid()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rate, err := s.cfg.Reports.SubmitReport(user, operator, report)
	if err != nil {
		s.countInvalid()
		writeSubmitError(w, err)
		return
	}

	logger.Debug("report submitted", "user", string(user), "operator", string(operator), "rate", rate)

	writeJSON(w, http.StatusAccepted, map[string]uint64{
		"rate": rate,
	})
}

// handleAddUser handles POST /users requests.
func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	id, err := decodeIdentityRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.cfg.Registry.AddUser(id) {
		writeError(w, http.StatusConflict, "identifier already registered")
		return
	}

	logger.Info("user registered", "id", string(id))

	writeJSON(w, http.StatusCreated, map[string]string{
		"id": string(id),
	})
}

// handleAddOperator handles POST /operators requests.
func (s *Server) handleAddOperator(w http.ResponseWriter, r *http.Request) {
	id, err := decodeIdentityRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.cfg.Registry.AddOperator(id) {
		writeError(w, http.StatusConflict, "identifier already registered")
		return
	}

	logger.Info("operator registered", "id", string(id))

	writeJSON(w, http.StatusCreated, map[string]string{
		"id": string(id),
	})
}

// handleSetRate handles PUT /operators/{id}/rate requests.
func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	operator := registry.ID(r.PathValue("id"))

	rate, err := decodeRateRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.cfg.Rates.SetOperatorRate(operator, rate); err != nil {
		if errors.Is(err, settle.ErrRateAlreadySet) {
			writeError(w, http.StatusConflict, "rate already set")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Info("operator rate set", "operator", string(operator), "rate", rate)

	writeJSON(w, http.StatusOK, map[string]uint64{
		"rate": rate,
	})
}

// handleAdvanceRound handles POST /round/advance requests.
func (s *Server) handleAdvanceRound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	result, err := s.cfg.Rounds.AdvanceRound()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.cfg.OnRound != nil {
		s.cfg.OnRound(time.Since(start))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"round":       result.Round,
		"selected":    selectionResponse(result),
		"settlements": settlementResponse(result),
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"round":     s.cfg.Rounds.Round(),
		"users":     len(s.cfg.Registry.Users()),
		"operators": len(s.cfg.Registry.Operators()),
	})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleSnapshot handles GET /snapshot requests.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	blob, err := s.cfg.Snapshot.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

// writeSubmitError maps a report submission error to an HTTP status.
func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, round.ErrNotRegistered):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, estimate.ErrInvalidReport):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// countInvalid calls the invalid-report hook if set.
func (s *Server) countInvalid() {
	if s.cfg.OnInvalid != nil {
		s.cfg.OnInvalid()
	}
}
