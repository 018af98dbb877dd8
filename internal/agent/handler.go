package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seantuckercm/spytradr2.0-sub001/internal/logger"
)

// Identity resolves the authenticated caller of a request.
type Identity interface {
	RequireAuthenticatedUser(ctx context.Context) (ownerID string, err error)
}

// Handler provides HTTP handlers for agent endpoints.
type Handler struct {
	svc   *Service
	ident Identity
	log   *zap.Logger
}

// NewHandler creates a new agent handler.
func NewHandler(svc *Service, ident Identity, log *zap.Logger) *Handler {
	return &Handler{svc: svc, ident: ident, log: logger.OrNop(log)}
}

// Routes returns a chi.Router with all agent routes mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/", h.HandleCreate)
	r.Get("/", h.HandleList)
	r.Get("/{id}", h.HandleGet)
	r.Put("/{id}", h.HandleUpdate)
	r.Delete("/{id}", h.HandleDelete)
	r.Post("/{id}/activate", h.transition(ActionActivate))
	r.Post("/{id}/pause", h.transition(ActionPause))
	r.Post("/{id}/resume", h.transition(ActionResume))
	r.Post("/{id}/disable", h.transition(ActionDisable))
	r.Get("/{id}/schedule", h.HandleSchedule)
	r.Get("/{id}/runs", h.HandleListRuns)
	r.Post("/{id}/runs", h.HandleStartRun)
	r.Post("/{id}/runs/{runID}/outcome", h.HandleRunOutcome)
	return r
}

// HandleCreate handles POST /api/agents.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var in Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	def, err := h.svc.Create(r.Context(), owner, in)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

// HandleList handles GET /api/agents.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	defs, err := h.svc.List(r.Context(), owner)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[Definition]{Data: defs})
}

// HandleGet handles GET /api/agents/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	def, err := h.svc.Get(r.Context(), owner, id)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// HandleUpdate handles PUT /api/agents/{id}.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	var in Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	def, err := h.svc.Update(r.Context(), owner, id, in)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// HandleDelete handles DELETE /api/agents/{id}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), owner, id); err != nil {
		h.handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transition handles POST /api/agents/{id}/{action}.
func (h *Handler) transition(action Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, id, ok := h.ownerAndID(w, r)
		if !ok {
			return
		}

		def, err := h.svc.Transition(r.Context(), owner, id, action)
		if err != nil {
			h.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, def)
	}
}

// HandleSchedule handles GET /api/agents/{id}/schedule.
func (h *Handler) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	next, due, err := h.svc.NextRun(r.Context(), owner, id)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	resp := scheduleResponse{}
	if due {
		resp.NextRunAt = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleListRuns handles GET /api/agents/{id}/runs.
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := h.svc.ListRuns(r.Context(), owner, id, limit)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[Run]{Data: runs})
}

// HandleStartRun handles POST /api/agents/{id}/runs.
func (h *Handler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	run, err := h.svc.StartRun(r.Context(), owner, id)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// HandleRunOutcome handles POST /api/agents/{id}/runs/{runID}/outcome.
func (h *Handler) HandleRunOutcome(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid run id")
		return
	}

	var o Outcome
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	run, err := h.svc.FinishRun(r.Context(), owner, id, runID, o)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- request helpers ---

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, err := h.ident.RequireAuthenticatedUser(r.Context())
	if err != nil || owner == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return "", false
	}
	return owner, true
}

func (h *Handler) ownerAndID(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	owner, ok := h.owner(w, r)
	if !ok {
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid agent id")
		return "", uuid.Nil, false
	}
	return owner, id, true
}

// --- response types ---

type listResponse[T any] struct {
	Data []T `json:"data"`
}

type scheduleResponse struct {
	NextRunAt *time.Time `json:"nextRunAt"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: errorDetail{
			Code:    "VALIDATION",
			Message: "agent configuration is invalid",
			Fields:  verr.Fields,
		}})
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "agent not found")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not authorized to access this agent")
	case errors.Is(err, ErrRunAlreadyInProgress):
		writeError(w, http.StatusConflict, "RUN_IN_PROGRESS", err.Error())
	case errors.Is(err, ErrRunAlreadyFinished):
		writeError(w, http.StatusConflict, "RUN_FINISHED", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	default:
		h.log.Error("agent handler error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
