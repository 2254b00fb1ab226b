package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		RequestID(h.logger),
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Health
	mux.Handle("GET /{$}", http.HandlerFunc(h.Root))
	mux.Handle("GET /healthz", http.HandlerFunc(h.Health))

	// Batches
	mux.Handle("POST /api/v1/batches", chain(http.HandlerFunc(h.CreateBatch)))
	mux.Handle("GET /api/v1/batches/{id}", chain(http.HandlerFunc(h.GetBatch)))
	mux.Handle("GET /api/v1/batches/{id}/result", chain(http.HandlerFunc(h.GetBatchResult)))
	mux.Handle("GET /api/v1/batches/{id}/attempts", chain(http.HandlerFunc(h.ListBatchAttempts)))
	mux.Handle("POST /api/v1/batches/{id}/cancel", chain(http.HandlerFunc(h.CancelBatch)))
}
