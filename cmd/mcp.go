package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	mcpSdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/casewire/casewire/internal/app"
	"github.com/casewire/casewire/internal/config"
	"github.com/casewire/casewire/internal/mcp"
)

// runMCP starts the MCP server on stdio transport so IDE assistants
// can search evidence and file findings against the local case data.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting MCP server", "version", Version)

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Warn("shutdown error", "error", closeErr)
		}
	}()

	operator, err := a.Auth.EnsureOperator(ctx)
	if err != nil {
		return fmt.Errorf("preparing operator account: %w", err)
	}

	mcpServer, err := mcp.NewServer(mcp.Config{
		Name:    "casewire",
		Version: Version,
		Logger:  slog.Default(),
		Search:  a.Search,
		Cases:   a.Cases,
		Memory:  a.Memory,
		OwnerID: operator.ID,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	slog.Info("MCP server ready", "name", "casewire", "transport", "stdio")

	if err := mcpServer.Run(ctx, &mcpSdk.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}

	slog.Info("MCP server shut down gracefully")
	return nil
}
