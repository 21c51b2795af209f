package handlers

import (
	"net/http"
)

// Health reports worker identity and pool occupancy. The router uses the
// pool snapshot for load-based worker selection.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.svc.PoolHealth(r.Context()))
}
