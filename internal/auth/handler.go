package auth

import (
	"encoding/json"
	"net/http"
	"time"
)

// Handler provides HTTP handlers for auth endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new auth handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// meResponse is the JSON response for GET /api/auth/me.
type meResponse struct {
	OwnerID   string    `json:"ownerId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HandleMe handles GET /api/auth/me and echoes the caller's identity. It
// must be mounted behind JWTMiddleware.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	owner, err := h.svc.RequireAuthenticatedUser(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		OwnerID:   owner,
		ExpiresAt: ClaimsFromContext(r.Context()).ExpiresAt,
	})
}

// --- helpers ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
