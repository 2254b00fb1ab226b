package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Berth/internal/client"
)

// maxBodyBytes — предел тела запроса.
const maxBodyBytes = 1 << 20

// CreateBatch запускает пакет.
// POST /api/v1/batches
//
// Идемпотентен по run_id: повторный запрос возвращает существующий run.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	handle, err := h.client.StartBatch(r.Context(), req.RunID, req.ContainerIDs)
	if HandleError(w, h.log(r), err) {
		return
	}

	run, err := h.client.Status(r.Context(), handle.RunID)
	if HandleError(w, h.log(r), err) {
		return
	}

	Accepted(w, BatchFromDomain(run))
}

// GetBatch возвращает run с прогрессом и результатами.
// GET /api/v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	run, err := h.client.Status(r.Context(), r.PathValue("id"))
	if HandleError(w, h.log(r), err) {
		return
	}

	Success(w, BatchFromDomain(run))
}

// GetBatchResult ждёт завершения run и возвращает результаты в порядке контейнеров.
// GET /api/v1/batches/{id}/result?timeout=30s
//
// timeout — длительность Go (30s, 2m) или целое число секунд.
// Если run не завершился вовремя — 504.
func (h *Handler) GetBatchResult(w http.ResponseWriter, r *http.Request) {
	timeout, err := parseTimeout(r.URL.Query().Get("timeout"), h.maxAwait)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	runID := r.PathValue("id")

	// 404 для неизвестного run до ожидания
	run, err := h.client.Status(r.Context(), runID)
	if HandleError(w, h.log(r), err) {
		return
	}

	results, err := h.client.AwaitResult(r.Context(), client.Handle{RunID: run.ID}, timeout)
	if HandleError(w, h.log(r), err) {
		return
	}

	List(w, OutcomesFromDomain(results), len(results))
}

// ListBatchAttempts возвращает журнал попыток run.
// GET /api/v1/batches/{id}/attempts
func (h *Handler) ListBatchAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.client.Attempts(r.Context(), r.PathValue("id"))
	if HandleError(w, h.log(r), err) {
		return
	}

	result := make([]AttemptResponse, len(attempts))
	for i, a := range attempts {
		result[i] = AttemptFromDomain(a)
	}

	List(w, result, len(result))
}

// CancelBatch отменяет run.
// POST /api/v1/batches/{id}/cancel
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	var req CancelBatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			BadRequest(w, "invalid request body")
			return
		}
	}

	run, err := h.client.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if HandleError(w, h.log(r), err) {
		return
	}

	Success(w, BatchFromDomain(run))
}

// parseTimeout разбирает ?timeout= и ограничивает его limit.
func parseTimeout(raw string, limit time.Duration) (time.Duration, error) {
	if raw == "" {
		return limit, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, errors.New("invalid timeout: use a duration like 30s or seconds")
		}
		d = time.Duration(secs) * time.Second
	}

	if d <= 0 {
		return 0, errors.New("invalid timeout: must be positive")
	}
	return min(d, limit), nil
}
