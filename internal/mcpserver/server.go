// Package mcpserver exposes the gated tool registry over the Model Context
// Protocol. Every tool handler routes through the dispatcher; the transport
// layer holds no gating logic of its own.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/qtos-io/tradegate/internal/dispatch"
	"github.com/qtos-io/tradegate/internal/tools"
)

// Server wraps an MCP server whose tools are the registry's, gated by the
// dispatcher.
type Server struct {
	mcp        *server.MCPServer
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// New builds the MCP server and registers every tool in the registry.
func New(name, version string, registry *tools.Registry, dispatcher *dispatch.Dispatcher, logger *slog.Logger) (*Server, error) {
	s := server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	srv := &Server{mcp: s, dispatcher: dispatcher, logger: logger}

	for _, t := range registry.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("marshaling input schema for %s: %w", t.Name(), err)
		}
		mcpTool := mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema)
		s.AddTool(mcpTool, srv.handlerFor(t.Name()))
	}

	return srv, nil
}

// handlerFor adapts the dispatcher to an MCP tool handler. Blocked calls and
// argument errors come back as tool errors so the calling agent sees the
// corrective reason; only transport faults surface as protocol errors.
func (s *Server) handlerFor(toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := s.dispatcher.Dispatch(ctx, toolName, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if resp.Blocked {
			return mcp.NewToolResultError(blockedMessage(resp)), nil
		}
		return mcp.NewToolResultText(resp.Output), nil
	}
}

// blockedMessage renders a denial for the calling agent: the code (with the
// risk sub-code when present) and the reason.
func blockedMessage(resp *dispatch.Response) string {
	code := resp.Code
	if resp.SubCode != "" {
		code = code + "/" + resp.SubCode
	}
	return fmt.Sprintf("%s: %s", code, resp.Reason)
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting", slog.String("transport", "stdio"))
	return server.ServeStdio(s.mcp)
}

// ServeHTTP serves MCP over streamable HTTP on addr until Shutdown.
func (s *Server) ServeHTTP(addr string) error {
	s.logger.Info("mcp server starting", slog.String("transport", "http"), slog.String("addr", addr))
	httpServer := server.NewStreamableHTTPServer(s.mcp)
	return httpServer.Start(addr)
}
