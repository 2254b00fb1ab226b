package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shaiso/Berth/internal/domain"
)

const (
	defaultHTTPTimeout  = 10 * time.Second
	defaultLookupParam  = "container"
	maxResponseBytes    = 1 << 20
	maxContainerIDBytes = 64
	maxBodySnippetBytes = 200
)

// LookupResult — payload, который HTTPExecutor возвращает для контейнера.
//
// Ответ источника не интерпретируется: JSON кладётся как есть в JSON,
// остальное — строкой в Text. Found=false, если источник ответил 404
// или пустым телом ("no data found").
type LookupResult struct {
	Container string          `json:"container"`
	Found     bool            `json:"found"`
	Status    int             `json:"status"`
	JSON      json.RawMessage `json:"json,omitempty"`
	Text      string          `json:"text,omitempty"`
}

// HTTPExecutor — executor, запрашивающий данные по контейнеру у HTTP-источника.
//
// Config:
//   - URL: адрес источника (обязательно)
//   - Method: GET (ID в query-параметре) или POST (ID в form-поле). Default: GET
//   - Param: имя параметра с ID контейнера. Default: "container"
//   - Headers: дополнительные заголовки (например, User-Agent для inquiry-страниц)
//   - Timeout: таймаут HTTP-клиента. Default: 10s
//
// Классификация ответа:
//   - 2xx — успех (пустое тело — успех с Found=false)
//   - 404 — успех с Found=false
//   - 408, 429, 5xx, сетевые ошибки — временная ошибка
//   - прочие 4xx/3xx, некорректный ID, тело больше 1 MiB — окончательная ошибка
//
// Тело ответа в ошибках и в Text приводится к валидному UTF-8.
type HTTPExecutor struct {
	url     string
	method  string
	param   string
	headers map[string]string
	client  *http.Client
}

// HTTPExecutorConfig — конфигурация HTTPExecutor.
type HTTPExecutorConfig struct {
	URL     string
	Method  string
	Param   string
	Headers map[string]string
	Timeout time.Duration

	// Client — HTTP-клиент (опционально; если nil — создаётся с Timeout).
	Client *http.Client
}

// NewHTTPExecutor создаёт HTTPExecutor.
func NewHTTPExecutor(cfg HTTPExecutorConfig) (*HTTPExecutor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrHTTPRequest)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrHTTPRequest, err)
	}

	method := strings.ToUpper(cfg.Method)
	switch method {
	case "":
		method = http.MethodGet
	case http.MethodGet, http.MethodPost:
	default:
		return nil, fmt.Errorf("%w: unsupported method %s", ErrHTTPRequest, cfg.Method)
	}

	param := cfg.Param
	if param == "" {
		param = defaultLookupParam
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPExecutor{
		url:     cfg.URL,
		method:  method,
		param:   param,
		headers: cfg.Headers,
		client:  client,
	}, nil
}

// Execute запрашивает данные по контейнеру.
func (e *HTTPExecutor) Execute(ctx context.Context, containerID string) (json.RawMessage, error) {
	id, err := normalizeContainerID(containerID)
	if err != nil {
		return nil, err
	}

	// Создаём запрос
	req, err := e.newRequest(ctx, id)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err))
	}

	// Выполняем запрос
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("%w: %v", ErrHTTPRequest, err))
	}
	defer resp.Body.Close()

	// Читаем тело ответа, лишний байт выдаёт превышение лимита
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err))
	}
	if len(body) > maxResponseBytes {
		return nil, domain.Permanent(fmt.Errorf("%w: HTTP %d: response exceeds %d bytes", ErrResponseTooLarge, resp.StatusCode, maxResponseBytes))
	}

	// Классифицируем
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return buildResult(id, resp.StatusCode, nil)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return buildResult(id, resp.StatusCode, body)
	case isRetryableStatus(resp.StatusCode):
		return nil, domain.Transient(fmt.Errorf("%w: HTTP %d: %s", ErrHTTPRequest, resp.StatusCode, truncate(string(body), maxBodySnippetBytes)))
	default:
		return nil, domain.Permanent(fmt.Errorf("%w: HTTP %d: %s", ErrHTTPRequest, resp.StatusCode, truncate(string(body), maxBodySnippetBytes)))
	}
}

// newRequest строит GET с query-параметром или POST с form-полем.
func (e *HTTPExecutor) newRequest(ctx context.Context, id string) (*http.Request, error) {
	values := url.Values{}
	values.Set(e.param, id)

	var req *http.Request
	var err error

	if e.method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, e.url, strings.NewReader(values.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		u, err := url.Parse(e.url)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set(e.param, id)
		u.RawQuery = q.Encode()

		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
	}

	req.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.8")
	for key, val := range e.headers {
		req.Header.Set(key, val)
	}
	return req, nil
}

// buildResult формирует payload из тела ответа.
func buildResult(id string, status int, body []byte) (json.RawMessage, error) {
	result := LookupResult{Container: id, Status: status}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 {
		result.Found = true
		if utf8.Valid(trimmed) && json.Valid(trimmed) {
			result.JSON = json.RawMessage(trimmed)
		} else {
			result.Text = strings.ToValidUTF8(string(trimmed), "\uFFFD")
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("marshal lookup result: %w", err))
	}
	return payload, nil
}

// normalizeContainerID проверяет и нормализует идентификатор контейнера.
func normalizeContainerID(containerID string) (string, error) {
	id := strings.ToUpper(strings.TrimSpace(containerID))
	if id == "" {
		return "", domain.Permanent(fmt.Errorf("%w: empty", ErrInvalidContainerID))
	}
	if len(id) > maxContainerIDBytes {
		return "", domain.Permanent(fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidContainerID, truncate(id, 16), maxContainerIDBytes))
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", domain.Permanent(fmt.Errorf("%w: %q contains whitespace", ErrInvalidContainerID, id))
		}
	}
	return id, nil
}

// isRetryableStatus — коды, при которых повтор имеет смысл.
func isRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

// truncate приводит s к валидному UTF-8 и обрезает до maxLen байт
// по границе руны.
func truncate(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
