package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Settler accepts out-of-band approval decisions.
type Settler interface {
	Settle(token string, approved bool) bool
}

// Server exposes the gate to the agent runtime over MCP streamable HTTP,
// plus a JSON callback route for decision submission. It binds to loopback
// only; the agent process runs on the same host.
type Server struct {
	gate    *Gate
	settler Settler
	logger  *slog.Logger

	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	metricsHandler http.Handler
}

// WithMetricsHandler mounts the given handler at /metrics. The server binds
// loopback only, so the scrape endpoint stays local too.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(c *serverConfig) {
		c.metricsHandler = h
	}
}

// NewServer builds the permission server listening on addr.
func NewServer(addr string, gate *Gate, settler Settler, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	var cfg serverConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		gate:    gate,
		settler: settler,
		logger:  logger.With("component", "gate.server"),
	}

	mcpServer := server.NewMCPServer("permission", "1.0.0",
		server.WithToolCapabilities(false),
	)
	mcpServer.AddTool(mcp.NewTool("approve",
		mcp.WithDescription("Request permission for a tool invocation and wait for the owner's decision"),
		mcp.WithString("tool_name",
			mcp.Required(),
			mcp.Description("Name of the tool requesting permission"),
		),
		mcp.WithObject("input",
			mcp.Required(),
			mcp.Description("Input parameters for the tool"),
		),
		mcp.WithString("tool_use_id",
			mcp.Required(),
			mcp.Description("The unique tool use request ID"),
		),
	), s.handleApprove)

	streamable := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	mux.HandleFunc("POST /api/approve-callback", s.handleApproveCallback)
	if cfg.metricsHandler != nil {
		mux.Handle("/metrics", cfg.metricsHandler)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown or listener failure. Blocks.
func (s *Server) Start() error {
	s.logger.Info("permission server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("permission server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleApprove is the MCP tool handler. It blocks until the gate settles
// and always returns a verdict payload; transport-level errors are reserved
// for malformed requests.
func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolName, err := req.RequireString("tool_name")
	if err != nil {
		return nil, err
	}
	toolUseID, err := req.RequireString("tool_use_id")
	if err != nil {
		return nil, err
	}
	input, err := json.Marshal(req.GetArguments()["input"])
	if err != nil {
		return nil, fmt.Errorf("encode tool input: %w", err)
	}

	verdict := s.gate.CanPerform(ctx, toolUseID, toolName, input)
	payload, err := json.Marshal(verdict)
	if err != nil {
		return nil, fmt.Errorf("encode verdict: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

// approveCallbackRequest is the decision submission body.
type approveCallbackRequest struct {
	CorrelationToken string `json:"correlation_token"`
	Approved         bool   `json:"approved"`
}

// handleApproveCallback lets transports outside the MCP path submit a
// decision. Unknown or already-settled tokens report ok=false, not an error.
func (s *Server) handleApproveCallback(w http.ResponseWriter, r *http.Request) {
	var body approveCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if body.CorrelationToken == "" {
		http.Error(w, `{"error":"correlation_token is required"}`, http.StatusBadRequest)
		return
	}

	ok := s.settler.Settle(body.CorrelationToken, body.Approved)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]bool{"ok": ok}); err != nil {
		s.logger.Warn("callback response write failed", "error", err)
	}
}
