// Package mcp реализует MCP сервер Berth.
//
// Инструменты запускают lookup контейнеров через orchestrator и ждут
// результат, поэтому каждый вызов получает retry, таймауты и журнал попыток.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/shaiso/Berth/internal/client"
	"github.com/shaiso/Berth/internal/domain"
)

// Server — MCP сервер поверх client.Client.
type Server struct {
	mcpServer *mcpserver.MCPServer
	client    *client.Client
	timeout   time.Duration
	logger    *slog.Logger
}

// Config — конфигурация Server.
type Config struct {
	// Timeout — сколько инструмент ждёт результат run (default: 60s).
	Timeout time.Duration

	// Version — версия, сообщаемая клиентам MCP.
	Version string

	Logger *slog.Logger
}

// New создаёт MCP сервер и регистрирует инструменты.
func New(c *client.Client, cfg Config) *Server {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		client:  c,
		timeout: timeout,
		logger:  logger.With("component", "mcp"),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"berth",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()

	return s
}

// HTTPHandler возвращает streamable HTTP транспорт для монтирования на /mcp.
func (s *Server) HTTPHandler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

func (s *Server) registerTools() {
	// full_container_details — lookup одного контейнера.
	s.mcpServer.AddTool(
		mcplib.NewTool("full_container_details",
			mcplib.WithDescription(`Get full details about a shipping container: appearance, height, location and other info.

Calls the container inquiry endpoint with retries and returns
{"status": <http status>, "json": <parsed body>} or {"status", "text"} when the
body is not JSON. "found": false means the endpoint has no data for the container.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("container",
				mcplib.Description("Container number, e.g. MSCU1234567"),
				mcplib.Required(),
			),
		),
		s.handleFullContainerDetails,
	)

	// batch_container_details — lookup списка контейнеров одним run.
	s.mcpServer.AddTool(
		mcplib.NewTool("batch_container_details",
			mcplib.WithDescription(`Look up many containers in one durable batch.

Returns one result per container in input order. A container that kept failing
is reported with its error instead of aborting the batch. Pass run_id to make the
call idempotent: repeating it returns the same batch without new lookups.`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithArray("containers",
				mcplib.Description("Container numbers to look up"),
				mcplib.WithStringItems(),
				mcplib.Required(),
			),
			mcplib.WithString("run_id",
				mcplib.Description("Optional idempotency key for the batch. Generated if omitted."),
			),
		),
		s.handleBatchContainerDetails,
	)

	// batch_status — состояние ранее запущенного пакета.
	s.mcpServer.AddTool(
		mcplib.NewTool("batch_status",
			mcplib.WithDescription("Get the status and, when finished, the results of a batch started earlier."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("run_id",
				mcplib.Description("Batch run ID returned by batch_container_details"),
				mcplib.Required(),
			),
		),
		s.handleBatchStatus,
	)
}

func (s *Server) handleFullContainerDetails(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	container := request.GetString("container", "")
	if container == "" {
		return errorResult("container is required"), nil
	}

	results, runID, err := s.runBatch(ctx, "mcp-"+uuid.New().String(), []string{container})
	if err != nil {
		return s.failure(runID, err), nil
	}

	outcome := results[0]
	if !outcome.Succeeded() {
		return errorResult(fmt.Sprintf("lookup failed after %d attempt(s): %s", outcome.Attempts, outcome.Err())), nil
	}
	return jsonResult(outcome.Payload), nil
}

func (s *Server) handleBatchContainerDetails(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	containers := request.GetStringSlice("containers", nil)
	if len(containers) == 0 {
		return errorResult("containers must be a non-empty list"), nil
	}

	runID := request.GetString("run_id", "")
	if runID == "" {
		runID = uuid.New().String()
	}

	results, runID, err := s.runBatch(ctx, runID, containers)
	if err != nil {
		return s.failure(runID, err), nil
	}

	return jsonResult(batchResult{RunID: runID, Results: toItems(results)}), nil
}

func (s *Server) handleBatchStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}

	run, err := s.client.Status(ctx, runID)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resp := batchResult{RunID: run.ID, Status: string(run.Status), Error: run.Error}
	if results, ok := run.Results(); ok && run.Status == domain.RunStatusCompleted {
		resp.Results = toItems(results)
	}
	return jsonResult(resp), nil
}

// runBatch запускает run и ждёт результат не дольше s.timeout.
func (s *Server) runBatch(ctx context.Context, runID string, containers []string) ([]domain.ActivityOutcome, string, error) {
	h, err := s.client.StartBatch(ctx, runID, containers)
	if err != nil {
		return nil, runID, err
	}

	results, err := s.client.AwaitResult(ctx, h, s.timeout)
	if err != nil {
		return nil, h.RunID, err
	}

	s.logger.Debug("tool batch finished", "run_id", h.RunID, "containers", len(containers))
	return results, h.RunID, nil
}

func (s *Server) failure(runID string, err error) *mcplib.CallToolResult {
	if errors.Is(err, client.ErrTimeout) {
		return errorResult(fmt.Sprintf("batch %s is still running; call batch_status with this run_id later", runID))
	}
	s.logger.Warn("tool batch failed", "run_id", runID, "error", err)
	return errorResult(fmt.Sprintf("batch %s failed: %v", runID, err))
}

// batchResult — ответ batch-инструментов.
type batchResult struct {
	RunID   string       `json:"run_id"`
	Status  string       `json:"status,omitempty"`
	Error   string       `json:"error,omitempty"`
	Results []resultItem `json:"results,omitempty"`
}

// resultItem — результат одного контейнера.
type resultItem struct {
	Container string          `json:"container"`
	Details   json.RawMessage `json:"details,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Attempts  int             `json:"attempts"`
}

func toItems(outcomes []domain.ActivityOutcome) []resultItem {
	items := make([]resultItem, len(outcomes))
	for i, o := range outcomes {
		items[i] = resultItem{Container: o.ContainerID, Details: o.Payload, Attempts: o.Attempts}
		if o.Error != nil {
			items[i].Error = o.Error.Reason
			items[i].ErrorKind = string(o.Error.Kind)
		}
	}
	return items
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
