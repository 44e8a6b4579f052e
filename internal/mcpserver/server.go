// Package mcpserver exposes the session tools over the Model Context
// Protocol so assistants can inspect live meetings.
package mcpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/botrelay/internal/logger"
	"github.com/comigor/botrelay/pkg/tools"
)

// Server serves a ToolManager's tools over MCP SSE.
type Server struct {
	mcp *server.MCPServer
	sse *server.SSEServer
}

// New registers every tool of m on a fresh MCP server.
func New(name, version, baseURL string, m *tools.ToolManager) *Server {
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(false))
	for _, t := range m.List() {
		s.AddTool(toMCPTool(t), handler(t))
	}

	var opts []server.SSEOption
	if baseURL != "" {
		opts = append(opts, server.WithBaseURL(baseURL))
	}
	return &Server{mcp: s, sse: server.NewSSEServer(s, opts...)}
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	logger.L.Info("starting mcp server", "address", addr)
	if err := s.sse.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and closes open SSE sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.sse.Shutdown(ctx)
}

func toMCPTool(t tools.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description())}
	for _, p := range t.Params() {
		props := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			props = append(props, mcp.Required())
		}
		switch p.Type {
		case tools.ParamNumber:
			opts = append(opts, mcp.WithNumber(p.Name, props...))
		default:
			opts = append(opts, mcp.WithString(p.Name, props...))
		}
	}
	return mcp.NewTool(t.Name(), opts...)
}

func handler(t tools.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := any(req.Params.Arguments).(map[string]any)
		logger.L.DebugContext(ctx, "mcp tool invoked", "tool", t.Name(), "arguments", args)

		out, err := t.Run(ctx, args)
		if err != nil {
			// tool failures go back to the model, not the transport
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}
