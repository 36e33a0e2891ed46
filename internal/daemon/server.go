package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"sakuga/internal/config"
	"sakuga/internal/logging"
	"sakuga/internal/services"
	"sakuga/internal/store"
)

// server is the operator surface. Every route is a thin facade over a
// subsystem call; errors come back as structured objects.
type server struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon
	auth   *authenticator

	listener net.Listener
	httpSrv  *http.Server
}

type errorResponse struct {
	ErrorKind     string `json:"error_kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func newServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*server, error) {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}
	auth, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}

	srv := &server{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
		auth:   auth,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", srv.handleStatus)

	mux.HandleFunc("POST /orchestrator/toggle", srv.handleOrchestratorToggle)
	mux.HandleFunc("POST /orchestrator/initialize", srv.handleOrchestratorInitialize)
	mux.HandleFunc("GET /orchestrator/pipeline/{project_id}", srv.handlePipeline)
	mux.HandleFunc("GET /orchestrator/summary/{project_id}", srv.handleSummary)
	mux.HandleFunc("POST /orchestrator/tick", srv.handleTick)
	mux.HandleFunc("POST /orchestrator/override", srv.handleOverride)
	mux.HandleFunc("POST /orchestrator/training-target", srv.handleTrainingTarget)

	mux.HandleFunc("GET /replenishment/status", srv.handleReplenishStatus)
	mux.HandleFunc("POST /replenishment/toggle", srv.handleReplenishToggle)
	mux.HandleFunc("POST /replenishment/target", srv.handleReplenishTarget)
	mux.HandleFunc("GET /replenishment/readiness", srv.handleReplenishReadiness)

	mux.HandleFunc("GET /learning/stats", srv.handleLearningStats)
	mux.HandleFunc("GET /learning/suggest/{slug}", srv.handleLearningSuggest)
	mux.HandleFunc("GET /learning/rejections/{slug}", srv.handleLearningRejections)
	mux.HandleFunc("GET /learning/checkpoints/{project}", srv.handleLearningCheckpoints)
	mux.HandleFunc("GET /learning/trend", srv.handleLearningTrend)

	mux.HandleFunc("GET /quality/gates", srv.handleGates)
	mux.HandleFunc("GET /quality/gates/{name}", srv.handleGateGet)
	mux.HandleFunc("POST /quality/gates/{name}", srv.handleGateUpdate)

	mux.HandleFunc("GET /correction/stats", srv.handleCorrectionStats)
	mux.HandleFunc("POST /correction/toggle", srv.handleCorrectionToggle)

	mux.HandleFunc("GET /audit/recent", srv.handleAuditRecent)
	mux.HandleFunc("GET /audit/summary", srv.handleAuditSummary)

	mux.HandleFunc("GET /events/stats", srv.handleEventStats)
	mux.HandleFunc("GET /gpu/status", srv.handleGPUStatus)

	srv.httpSrv = &http.Server{
		Handler:           srv.requireAuth(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *server) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *server) stop() {
	if s == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *server) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// requireAuth resolves the caller to a subject and applies the per-user
// rate limit before the mux sees the request.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := s.auth.authorize(r)
		if err != nil {
			s.writeStructuredError(w, http.StatusUnauthorized, "validation", err.Error())
			return
		}
		if !s.auth.allow(subject) {
			s.writeStructuredError(w, http.StatusTooManyRequests, "resource_exhausted",
				"rate limit exceeded for "+subject)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *server) handleOrchestratorToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.daemon.components.Orchestrator.Enable(req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *server) handleOrchestratorInitialize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID      int64 `json:"project_id"`
		TrainingTarget int   `json:"training_target"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.daemon.components.Orchestrator.InitializeProject(r.Context(), req.ProjectID, req.TrainingTarget); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"project_id": req.ProjectID, "initialized": true})
}

func (s *server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.pathID(w, r, "project_id")
	if !ok {
		return
	}
	snapshot, err := s.daemon.components.Orchestrator.PipelineSnapshot(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *server) handleSummary(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.pathID(w, r, "project_id")
	if !ok {
		return
	}
	summary, err := s.daemon.components.Orchestrator.Summary(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (s *server) handleTick(w http.ResponseWriter, r *http.Request) {
	s.daemon.components.Orchestrator.Tick(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]bool{"ticked": true})
}

func (s *server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityType string `json:"entity_type"`
		EntityID   int64  `json:"entity_id"`
		Phase      string `json:"phase"`
		Action     string `json:"action"`
		Reason     string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	err := s.daemon.components.Orchestrator.OverridePhase(
		r.Context(), store.EntityType(req.EntityType), req.EntityID, req.Phase, req.Action, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"overridden": true})
}

func (s *server) handleTrainingTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target int `json:"target"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.daemon.components.Orchestrator.SetTrainingTarget(req.Target); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"target": req.Target})
}

func (s *server) handleReplenishStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.components.Replenisher.Status(r.Context()))
}

func (s *server) handleReplenishToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.daemon.components.Replenisher.Enable(req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *server) handleReplenishTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target        int    `json:"target"`
		CharacterSlug string `json:"character_slug"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.CharacterSlug != "" {
		s.daemon.components.Replenisher.SetCharacterTarget(req.CharacterSlug, req.Target)
	} else {
		s.daemon.components.Replenisher.SetTarget(req.Target)
	}
	s.writeJSON(w, http.StatusOK, s.daemon.components.Replenisher.Status(r.Context()))
}

func (s *server) handleReplenishReadiness(w http.ResponseWriter, r *http.Request) {
	report, err := s.daemon.components.Replenisher.Readiness(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"characters": report})
}

func (s *server) handleLearningStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.components.Learning.LearningStats(r.Context()))
}

func (s *server) handleLearningSuggest(w http.ResponseWriter, r *http.Request) {
	params, err := s.daemon.components.Learning.SuggestParams(r.Context(), r.PathValue("slug"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, params)
}

func (s *server) handleLearningRejections(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10
	}
	patterns := s.daemon.components.Learning.RejectionPatterns(r.Context(), r.PathValue("slug"), limit)
	s.writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns})
}

func (s *server) handleLearningCheckpoints(w http.ResponseWriter, r *http.Request) {
	rankings := s.daemon.components.Learning.CheckpointRankings(r.Context(), r.PathValue("project"))
	s.writeJSON(w, http.StatusOK, map[string]any{"rankings": rankings})
}

func (s *server) handleLearningTrend(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	days, _ := strconv.Atoi(query.Get("days"))
	if days <= 0 {
		days = 7
	}
	trend := s.daemon.components.Learning.QualityTrend(
		r.Context(), query.Get("character"), query.Get("project"), days)
	s.writeJSON(w, http.StatusOK, map[string]any{"trend": trend})
}

func (s *server) handleGates(w http.ResponseWriter, r *http.Request) {
	gates, err := s.daemon.store.QualityGates(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"gates": gates})
}

func (s *server) handleGateGet(w http.ResponseWriter, r *http.Request) {
	gate, err := s.daemon.store.QualityGateByName(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if gate == nil {
		s.writeStructuredError(w, http.StatusNotFound, "not_found", "quality gate not found")
		return
	}
	s.writeJSON(w, http.StatusOK, gate)
}

func (s *server) handleGateUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold float64 `json:"threshold"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		s.writeStructuredError(w, http.StatusBadRequest, "validation",
			"threshold must be between 0 and 1")
		return
	}
	name := r.PathValue("name")
	if err := s.daemon.store.SetQualityGateThreshold(r.Context(), name, req.Threshold); err != nil {
		s.writeError(w, err)
		return
	}
	gate, err := s.daemon.store.QualityGateByName(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, gate)
}

func (s *server) handleCorrectionStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.components.Corrector.GetStats(r.Context()))
}

func (s *server) handleCorrectionToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.daemon.components.Corrector.Enable(req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	decisions, err := s.daemon.store.RecentDecisions(r.Context(), query.Get("type"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.daemon.store.DecisionSummary(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (s *server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.components.Bus.Stats())
}

func (s *server) handleGPUStatus(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.components.GPU.Status()
	breakers := make(map[string]string, len(s.daemon.components.Breakers))
	for name, adapter := range s.daemon.components.Breakers {
		breakers[name] = adapter.BreakerState()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"router":   status,
		"breakers": breakers,
	})
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeStructuredError(w, http.StatusBadRequest, "validation", "invalid request body")
		return false
	}
	return true
}

func (s *server) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		s.writeStructuredError(w, http.StatusBadRequest, "validation", "invalid "+name)
		return 0, false
	}
	return id, true
}

func (s *server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", logging.Error(err))
	}
}

// writeError maps a subsystem error onto an HTTP status by its kind and
// tags it with a correlation id for log cross-reference.
func (s *server) writeError(w http.ResponseWriter, err error) {
	kind := services.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case services.KindValidation:
		status = http.StatusBadRequest
	case services.KindNotFound:
		status = http.StatusNotFound
	case services.KindResourceExhausted, services.KindTransient:
		status = http.StatusServiceUnavailable
	case services.KindExternal:
		status = http.StatusBadGateway
	}
	correlationID := uuid.NewString()
	s.logger.Error("request failed",
		logging.String("correlation_id", correlationID),
		logging.String("error_kind", string(kind)),
		logging.Error(err))
	s.writeJSON(w, status, errorResponse{
		ErrorKind:     string(kind),
		Message:       err.Error(),
		CorrelationID: correlationID,
	})
}

func (s *server) writeStructuredError(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, errorResponse{ErrorKind: kind, Message: message})
}
