// Package mcp exposes case data to IDE assistants over the Model
// Context Protocol. The server speaks the official go-sdk and runs on
// whatever transport the caller hands it, normally stdio.
//
// Tools operate on behalf of a single local operator account, so every
// finding saved here carries that operator's owner ID. Multi-user
// access goes through the HTTP API instead.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/casewire/casewire/internal/cases"
	"github.com/casewire/casewire/internal/memory"
	"github.com/casewire/casewire/internal/search"
)

// Config holds MCP server configuration.
type Config struct {
	Name    string
	Version string
	Logger  *slog.Logger
	Search  *search.Service
	Cases   *cases.Store
	Memory  *memory.Service
	// OwnerID is the operator account that findings are attributed to.
	OwnerID uuid.UUID
}

// Server wraps the MCP SDK server around the case services.
type Server struct {
	mcpServer *mcp.Server
	logger    *slog.Logger
	search    *search.Service
	cases     *cases.Store
	memory    *memory.Service
	ownerID   uuid.UUID
	name      string
	version   string
}

// NewServer creates an MCP server and registers all tools.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("server version is required")
	}
	if cfg.Search == nil {
		return nil, fmt.Errorf("search service is required")
	}
	if cfg.Cases == nil {
		return nil, fmt.Errorf("case store is required")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("memory service is required")
	}
	if cfg.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("owner ID is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		logger:  logger,
		search:  cfg.Search,
		cases:   cfg.Cases,
		memory:  cfg.Memory,
		ownerID: cfg.OwnerID,
		name:    cfg.Name,
		version: cfg.Version,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}
	return s, nil
}

// Run starts the MCP server on the given transport. Blocks until the
// transport closes or the context is cancelled.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

func (s *Server) registerTools() error {
	if err := s.registerSearchEvidence(); err != nil {
		return err
	}
	if err := s.registerCaseTools(); err != nil {
		return err
	}
	return s.registerSaveFinding()
}

// errorResult builds a tool-level error. These reach the model as
// content rather than failing the RPC, so it can correct its input.
func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
