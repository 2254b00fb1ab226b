package api

import (
	"context"
	"net/http"
	"time"
)

// Root — простой liveness ответ.
// GET /
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "Healthy!"})
}

// Health проверяет хранилище и возвращает число активных runs.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "ok"}

	if h.runs != nil {
		resp.ActiveRuns = h.runs.ActiveRunsCount()
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.store.Ping(ctx); err != nil {
			h.log(r).Warn("health check failed", "error", err)
			resp.Status = "degraded"
			resp.Store = err.Error()
			JSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	JSON(w, http.StatusOK, resp)
}
