// Package mcp exposes the daemon's browser queries as Model Context
// Protocol tools over stdio.
package mcp

import (
	"context"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/standardbeagle/webtap/internal/ipc"
)

// Requester sends one request to the daemon and returns its response.
// *ipc.Client satisfies it.
type Requester interface {
	Do(ctx context.Context, t ipc.MessageType, sessionID string, params interface{}) (*ipc.Response, error)
}

// Server is an MCP server whose tools forward to the daemon
type Server struct {
	mcp       *server.MCPServer
	requester Requester
	sessionID string
}

// NewServer registers every webtap tool on a fresh MCP server
func NewServer(requester Requester, version string) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			"webtap",
			version,
			server.WithToolCapabilities(true),
		),
		requester: requester,
		sessionID: "mcp-" + uuid.NewString(),
	}
	s.mcp.AddTools(s.Tools()...)
	return s
}

// MCPServer returns the underlying protocol server
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio blocks serving MCP on stdin/stdout
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// Tools lists the tool definitions with their handlers
func (s *Server) Tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: peekTool(), Handler: s.handlePeek},
		{Tool: detailsTool(), Handler: s.handleDetails},
		{Tool: cdpCallTool(), Handler: s.handleCDPCall},
		{Tool: headersTool(), Handler: s.handleHeaders},
	}
}

// call forwards one request and renders the response as a tool result
func (s *Server) call(ctx context.Context, t ipc.MessageType, params interface{}) (*mcplib.CallToolResult, error) {
	debugLog("%s %v", t, params)
	resp, err := s.requester.Do(ctx, t, s.sessionID, params)
	if err != nil {
		return mcplib.NewToolResultError("daemon unavailable: " + err.Error()), nil
	}
	if resp.Status != ipc.StatusOK {
		return mcplib.NewToolResultError(resp.Error), nil
	}
	return mcplib.NewToolResultText(renderData(resp.Data)), nil
}
