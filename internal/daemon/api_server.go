package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chorus/internal/api"
	"chorus/internal/config"
	"chorus/internal/consensus"
	"chorus/internal/export"
	"chorus/internal/logging"
	"chorus/internal/roles"
	"chorus/internal/services"
	"chorus/internal/store"
)

const (
	defaultListLimit = 100
	maxBodyBytes     = 1 << 20
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, errors.New("api server requires config and daemon")
	}
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logger,
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/consensus", srv.handleConsensus)
	mux.HandleFunc("GET /api/tasks/{id}", srv.handleTask)
	mux.HandleFunc("POST /api/batches", srv.handleCreateBatch)
	mux.HandleFunc("GET /api/batches", srv.handleListBatches)
	mux.HandleFunc("GET /api/batches/{id}", srv.handleBatch)
	mux.HandleFunc("POST /api/batches/{id}/retry", srv.handleRetryBatch)
	mux.HandleFunc("GET /api/batches/{id}/download", srv.handleDownload)
	mux.HandleFunc("GET /api/review", srv.handleReviewQueue)
	mux.HandleFunc("POST /api/units/{id}/review", srv.handleReview)
	mux.HandleFunc("GET /api/quota", srv.handleQuota)
	mux.HandleFunc("GET /api/alerts", srv.handleAlerts)
	mux.HandleFunc("GET /api/status", srv.handleStatus)

	srv.server = &http.Server{
		Handler:           requestIDMiddleware(authMiddleware(cfg.Paths.APIToken, mux)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) handler() http.Handler {
	return s.server.Handler
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		s.log().Info("api server disabled", logging.EventType("api_disabled"))
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	_ = s.listener.Close()
	s.listener = nil
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleConsensus(w http.ResponseWriter, r *http.Request) {
	var req api.ConsensusRequest
	if !s.decode(w, r, &req) {
		return
	}
	submitted, err := s.daemon.comp.Consensus.Trigger(r.Context(), req.UnitIDs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := api.ConsensusResponse{Tasks: make([]api.ConsensusTask, 0, len(submitted))}
	for _, task := range submitted {
		resp.Tasks = append(resp.Tasks, api.ConsensusTask{TaskID: task.TaskID, UnitIDs: task.UnitIDs})
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *apiServer) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.daemon.workers.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromTask(task))
}

func (s *apiServer) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req api.CreateBatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	filter, err := req.Filter()
	if err != nil {
		s.writeServiceError(w, r, services.Wrap(services.ErrValidation, "api", "create batch", "", err))
		return
	}
	created, err := s.daemon.comp.Export.Create(r.Context(), caller, export.CreateRequest{Filter: filter, Force: req.Force})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.BatchResponse{Batch: api.FromBatch(created.Batch), TaskID: created.TaskID})
}

func (s *apiServer) handleListBatches(w http.ResponseWriter, r *http.Request) {
	var statuses []store.BatchStatus
	for _, value := range r.URL.Query()["status"] {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				statuses = append(statuses, store.BatchStatus(strings.ToLower(trimmed)))
			}
		}
	}
	batches, err := s.daemon.comp.Export.List(r.Context(), statuses...)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.BatchListResponse{Batches: api.FromBatches(batches)})
}

func (s *apiServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.daemon.comp.Export.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.BatchResponse{Batch: api.FromBatch(batch)})
}

func (s *apiServer) handleRetryBatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	created, err := s.daemon.comp.Export.Retry(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.BatchResponse{Batch: api.FromBatch(created.Batch), TaskID: created.TaskID})
}

func (s *apiServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	caps, err := s.daemon.comp.Roles.Resolve(caller.Role)
	if err != nil {
		s.writeServiceError(w, r, services.Wrap(services.ErrValidation, "api", "download", "", err))
		return
	}
	ctx := services.WithUserID(r.Context(), caller.UserID)
	access, err := s.daemon.comp.Downloads.Open(ctx, caller.UserID, caps, r.PathValue("id"), r.RemoteAddr)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer access.Close()

	if access.File == nil {
		s.writeJSON(w, http.StatusOK, api.DownloadLink{
			URL:       access.URL,
			ExpiresIn: int(access.ExpiresIn / time.Second),
			FileName:  access.FileName,
			Checksum:  access.Checksum,
		})
		return
	}

	header := w.Header()
	header.Set("Content-Type", access.ContentType)
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", access.FileName))
	header.Set("Content-Length", strconv.FormatInt(access.Size, 10))
	if access.Checksum != "" {
		header.Set("X-Checksum-SHA256", access.Checksum)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, access.File); err != nil {
		s.log().Warn("download stream interrupted",
			logging.BatchID(access.BatchID),
			logging.Error(err),
		)
	}
}

func (s *apiServer) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	units, err := s.daemon.comp.Consensus.ReviewQueue(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ReviewListResponse{Units: api.FromReviewUnits(units)})
}

func (s *apiServer) handleReview(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	unitID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid unit id")
		return
	}
	var req api.ReviewRequest
	if !s.decode(w, r, &req) {
		return
	}
	decision, err := consensus.ParseDecision(req.Decision)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	caps, err := s.daemon.comp.Roles.Resolve(caller.Role)
	if err != nil {
		s.writeServiceError(w, r, services.Wrap(services.ErrValidation, "api", "review", "", err))
		return
	}
	ctx := services.WithUserID(r.Context(), caller.UserID)
	if err := s.daemon.comp.Consensus.Review(ctx, caps, unitID, decision, req.Note); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleQuota(w http.ResponseWriter, r *http.Request) {
	status, err := s.daemon.comp.Guard.Status(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromQuota(status))
}

func (s *apiServer) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	alerts, err := s.daemon.comp.Alerts.Recent(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.AlertListResponse{Alerts: api.FromAlerts(alerts)})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.daemon.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := api.Status{
		Running:        status.Running,
		PID:            status.PID,
		DatabasePath:   status.DatabasePath,
		LockFilePath:   status.LockFilePath,
		Storage:        status.Storage,
		WorkersRunning: status.WorkersRunning,
		LastError:      status.LastError,
	}
	api.ApplyStats(&payload, status.Stats)
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) caller(w http.ResponseWriter, r *http.Request) (roles.Caller, bool) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return roles.Caller{}, false
	}
	return caller, true
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *apiServer) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	value := strings.TrimSpace(r.URL.Query().Get("limit"))
	if value == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

// writeServiceError maps the error taxonomy onto HTTP statuses. Structured
// errors keep their caller-visible details in the body.
func (s *apiServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var limitErr *services.DownloadLimitError
	if errors.As(err, &limitErr) {
		wait := time.Until(limitErr.ResetTime)
		if wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		s.writeJSON(w, http.StatusTooManyRequests, api.DownloadLimit{
			Error:          err.Error(),
			ResetTime:      api.FormatTime(limitErr.ResetTime),
			DownloadsToday: limitErr.DownloadsToday,
			DailyLimit:     limitErr.DailyLimit,
		})
		return
	}
	var insufficient *services.InsufficientUnitsError
	if errors.As(err, &insufficient) {
		s.writeJSON(w, http.StatusConflict, api.InsufficientUnits{
			Error:    err.Error(),
			Current:  insufficient.Current,
			Required: insufficient.Required,
		})
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context(), s.log()).Error("request failed",
			logging.String("path", r.URL.Path),
			logging.Int("status", status),
			logging.Error(err),
		)
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrForbidden), errors.Is(err, services.ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInsufficientUnits),
		errors.Is(err, services.ErrNoValidUnits),
		errors.Is(err, services.ErrLockContention):
		return http.StatusConflict
	case errors.Is(err, services.ErrDownloadLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, services.ErrStorage):
		return http.StatusBadGateway
	case errors.Is(err, services.ErrConfiguration):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String("component", "api-server"))
	}
	return logging.NewNop()
}
