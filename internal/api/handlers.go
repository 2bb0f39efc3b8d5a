package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"launchbox/internal/execution"
	"launchbox/internal/monitor"
)

// Service is the execution orchestration surface the API exposes.
// Satisfied by execution.Orchestrator.
type Service interface {
	Start(ctx context.Context, req execution.StartRequest) (*execution.Execution, error)
	Stop(ctx context.Context, executionID, userID uuid.UUID) error
	Get(ctx context.Context, executionID, userID uuid.UUID) (*execution.Execution, error)
	ListByProject(ctx context.Context, projectID, userID uuid.UUID) ([]execution.Execution, error)
	ListRunning(ctx context.Context, userID uuid.UUID) ([]execution.Execution, error)
	Logs(ctx context.Context, executionID, userID uuid.UUID) ([]execution.LogLine, error)
}

// Subscriber provides live log feeds for streaming endpoints.
// Satisfied by logs.Publisher.
type Subscriber interface {
	Subscribe(executionID uuid.UUID) chan execution.LogLine
	Unsubscribe(executionID uuid.UUID, ch chan execution.LogLine)
}

type Handlers struct {
	svc     Service
	subs    Subscriber
	metrics *monitor.Metrics
}

func NewHandlers(svc Service, subs Subscriber, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		svc:     svc,
		subs:    subs,
		metrics: metrics,
	}
}

func (h *Handlers) HandleStartExecution(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}

	var req StartExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		writeError(w, "project_id must be a UUID", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	lang, err := execution.ParseLanguage(req.Language)
	if err != nil {
		writeError(w, err.Error(), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest, r)
		return
	}

	exec, err := h.svc.Start(r.Context(), execution.StartRequest{
		ProjectID: projectID,
		UserID:    userID,
		Language:  lang,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	// The drive runs asynchronously; the record is returned in PENDING.
	writeJSON(w, http.StatusAccepted, toExecutionResponse(exec))
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}

	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	exec, err := h.svc.Get(r.Context(), id, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toExecutionResponse(exec))
}

func (h *Handlers) HandleStopExecution(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}

	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.svc.Stop(r.Context(), id, userID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id.String()})
}

func (h *Handlers) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}

	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	lines, err := h.svc.Logs(r.Context(), id, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toLogResponses(lines))
}

func (h *Handlers) HandleListProjectExecutions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}

	projectID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	execs, err := h.svc.ListByProject(r.Context(), projectID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toExecutionResponses(execs))
}

func (h *Handlers) HandleListRunning(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}

	execs, err := h.svc.ListRunning(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toExecutionResponses(execs))
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := r.PathValue(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, name+" must be a UUID", "INVALID_REQUEST", http.StatusBadRequest, r)
		return uuid.Nil, false
	}
	return id, true
}

func userIDFrom(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, "user identity required", "AUTH_REQUIRED", http.StatusUnauthorized, r)
		return uuid.Nil, false
	}
	return id, true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, execution.ErrNotFound):
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, execution.ErrUnauthorized):
		writeError(w, "execution belongs to another user", "FORBIDDEN", http.StatusForbidden, r)
	case errors.Is(err, execution.ErrQuotaExceeded):
		writeError(w, err.Error(), "QUOTA_EXCEEDED", http.StatusTooManyRequests, r)
	case errors.Is(err, execution.ErrNoFreePorts):
		writeError(w, err.Error(), "NO_FREE_PORTS", http.StatusServiceUnavailable, r)
	case errors.Is(err, execution.ErrInvalidRequest), errors.Is(err, execution.ErrUnsupportedLanguage):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
