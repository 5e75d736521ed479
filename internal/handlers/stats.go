package handlers

import "net/http"

// UserStats handles GET /v1/stats/me.
func (h *Handler) UserStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.UserStats(r.Context(), callerID(r)))
}

// GlobalStats handles GET /v1/stats/global.
func (h *Handler) GlobalStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GlobalStats(r.Context()))
}
