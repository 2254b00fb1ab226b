package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// BatchResponse — пакетный run из API.
type BatchResponse struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	ContainerIDs []string          `json:"container_ids"`
	Progress     ProgressResponse  `json:"progress"`
	Results      []OutcomeResponse `json:"results,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    string            `json:"created_at"`
	StartedAt    string            `json:"started_at,omitempty"`
	FinishedAt   string            `json:"finished_at,omitempty"`
}

// ProgressResponse — прогресс run.
type ProgressResponse struct {
	Total    int `json:"total"`
	Finished int `json:"finished"`
}

// OutcomeResponse — результат контейнера.
type OutcomeResponse struct {
	ContainerID string          `json:"container_id"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       *struct {
		Kind      string `json:"kind"`
		Reason    string `json:"reason"`
		Exhausted bool   `json:"exhausted"`
	} `json:"error,omitempty"`
	Attempts   int    `json:"attempts"`
	FinishedAt string `json:"finished_at"`
}

// AttemptResponse — запись журнала попыток.
type AttemptResponse struct {
	ContainerID   string `json:"container_id"`
	Attempt       int    `json:"attempt"`
	Status        string `json:"status"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at,omitempty"`
	Duration      string `json:"duration,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
	Error         string `json:"error,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
}

// --- Request types ---

// CreateBatchRequest — запуск пакета.
type CreateBatchRequest struct {
	RunID        string   `json:"run_id,omitempty"`
	ContainerIDs []string `json:"container_ids"`
}

// CancelBatchRequest — отмена пакета.
type CancelBatchRequest struct {
	Reason string `json:"reason,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ошибка, которую вернул сервер.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsAPIError сообщает, что err — APIError с указанным кодом.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// --- Client ---

// Client — HTTP-клиент для Berth API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
//
// Таймаут клиента не задаётся: ожидание результата ограничивается
// параметром timeout запроса и context вызова.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// --- Batches ---

// StartBatch запускает пакет. Повтор с тем же runID возвращает существующий run.
func (c *Client) StartBatch(ctx context.Context, req CreateBatchRequest) (*BatchResponse, error) {
	var batch BatchResponse
	err := c.post(ctx, "/api/v1/batches", req, &batch)
	return &batch, err
}

// GetBatch возвращает run по ID.
func (c *Client) GetBatch(ctx context.Context, id string) (*BatchResponse, error) {
	var batch BatchResponse
	err := c.get(ctx, "/api/v1/batches/"+url.PathEscape(id), &batch)
	return &batch, err
}

// BatchResult ждёт результат run не дольше timeout (0 — лимит сервера).
func (c *Client) BatchResult(ctx context.Context, id string, timeout time.Duration) ([]OutcomeResponse, error) {
	params := url.Values{}
	if timeout > 0 {
		params.Set("timeout", timeout.String())
	}

	var results []OutcomeResponse
	err := c.list(ctx, "/api/v1/batches/"+url.PathEscape(id)+"/result", params, &results)
	return results, err
}

// ListAttempts возвращает журнал попыток run.
func (c *Client) ListAttempts(ctx context.Context, id string) ([]AttemptResponse, error) {
	var attempts []AttemptResponse
	err := c.list(ctx, "/api/v1/batches/"+url.PathEscape(id)+"/attempts", nil, &attempts)
	return attempts, err
}

// CancelBatch отменяет run.
func (c *Client) CancelBatch(ctx context.Context, id, reason string) (*BatchResponse, error) {
	var batch BatchResponse
	err := c.post(ctx, "/api/v1/batches/"+url.PathEscape(id)+"/cancel", CancelBatchRequest{Reason: reason}, &batch)
	return &batch, err
}

// --- HTTP helpers ---

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.doData(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	return c.doData(ctx, http.MethodPost, path, body, result)
}

func (c *Client) list(ctx context.Context, path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(ctx context.Context, method, path string, body any, result any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{Status: resp.StatusCode}
	}

	return &APIError{Status: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
}
