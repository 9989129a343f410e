// Package mcp implements the Model Context Protocol server for demoflow.
//
// The MCP server exposes the browser-facing run lifecycle as MCP tools and
// resources so MCP-compatible agents can browse the catalog, start a demo
// and follow it to completion with the same rules as the HTTP API.
package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/symbolicai/demoflow/internal/service/demoruns"
)

// Server wraps the MCP server with the run service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runs      *demoruns.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts registered.
func New(runs *demoruns.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		runs:   runs,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"demoflow",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
