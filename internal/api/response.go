package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Berth/internal/client"
	"github.com/shaiso/Berth/internal/domain"
	"github.com/shaiso/Berth/internal/orchestrator"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE"
	ErrCodeRunCancelled      ErrorCode = "RUN_CANCELLED"
	ErrCodeOrchestratorFault ErrorCode = "ORCHESTRATOR_FAULT"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeUnavailable       ErrorCode = "UNAVAILABLE"
	ErrCodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Accepted отправляет ответ о принятом в работу run (202).
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, DataResponse{Data: data})
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// InvalidState отправляет ошибку 422.
func InvalidState(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidState, message)
}

// InternalError отправляет ошибку 500.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// HandleError преобразует ошибку orchestrator/client в HTTP ответ.
// Возвращает true, если ответ отправлен.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, client.ErrInvalidRequest), errors.Is(err, orchestrator.ErrEmptyRunID):
		BadRequest(w, err.Error())

	case errors.Is(err, orchestrator.ErrRunNotFound):
		NotFound(w, err.Error())

	case errors.Is(err, orchestrator.ErrRunFinished):
		InvalidState(w, err.Error())

	case errors.Is(err, client.ErrTimeout):
		Error(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())

	case errors.Is(err, domain.ErrRunCancelled):
		Error(w, http.StatusConflict, ErrCodeRunCancelled, err.Error())

	case errors.Is(err, orchestrator.ErrRunNotActive), errors.Is(err, orchestrator.ErrOrchestratorStopped):
		Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())

	case domain.IsFault(err):
		logger.Error("orchestrator fault", "error", err)
		Error(w, http.StatusInternalServerError, ErrCodeOrchestratorFault, err.Error())

	default:
		InternalError(w, logger, err)
	}
	return true
}
