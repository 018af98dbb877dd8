package strategy

import (
	"encoding/json"
	"net/http"
)

// Handler serves the read-only strategy catalog.
type Handler struct {
	catalog *Catalog
}

// NewHandler creates a new strategy handler.
func NewHandler(c *Catalog) *Handler {
	return &Handler{catalog: c}
}

// HandleList handles GET /api/strategies.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		Data []Descriptor `json:"data"`
	}{Data: h.catalog.List()})
}
