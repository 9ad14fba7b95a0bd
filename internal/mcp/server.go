// Package mcp exposes selene's read surfaces (recall, status) over the
// Model Context Protocol so agent hosts can query archived history
// without shelling out to the CLI.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/selene-sh/selene/internal/watcher"
)

// Server wraps a watcher with an MCP stdio transport. Tools are
// read-only: the lifecycle loop stays the sole writer.
type Server struct {
	w   *watcher.Watcher
	mcp *server.MCPServer
}

// NewServer registers the selene tool set on a fresh MCP server.
func NewServer(w *watcher.Watcher, version string) *Server {
	s := &Server{
		w:   w,
		mcp: server.NewMCPServer("selene", version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool("recall",
		mcp.WithDescription("Search archived session history. Returns matching archive paths with snippets, best match first."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
		mcp.WithString("collection", mcp.Description("Index collection to search (default: configured collection)")),
	), s.handleRecall)

	s.mcp.AddTool(mcp.NewTool("status",
		mcp.WithDescription("Report the watcher's last observed usage, phase, and archive counts."),
	), s.handleStatus)

	return s
}

// ServeStdio blocks serving the protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}
