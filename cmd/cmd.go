// Package cmd provides the CaseWire command line entry points.
//
// Commands:
//   - serve:   HTTP API server (REST + SSE + WebSocket)
//   - migrate: apply database migrations and exit
//   - cli:     interactive research assistant TUI
//   - mcp:     Model Context Protocol server for IDE integration
//   - sync:    offline-first case mirror for field work
//
// Every long-running command installs signal-aware shutdown via
// context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/casewire/casewire/internal/log"
)

// Execute is the main entry point for the casewire binary.
func Execute() error {
	// Logger goes to stderr: stdout is reserved for JSON-RPC in mcp
	// mode and for the TUI in cli mode.
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(log.Config{
		Level: level,
		JSON:  os.Getenv("LOG_JSON") != "",
	}))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "migrate":
		return runMigrate()
	case "cli":
		return runCLI()
	case "mcp":
		return runMCP()
	case "sync":
		return runSync()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("CaseWire - legal case management backend")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  casewire serve [addr]        Start the HTTP API server (default: 127.0.0.1:8080)")
	fmt.Println("  casewire migrate             Apply database migrations and exit")
	fmt.Println("  casewire cli                 Start the interactive research assistant")
	fmt.Println("  casewire mcp                 Start the MCP server (stdio transport)")
	fmt.Println("  casewire sync --case <id>    Mirror a case locally and sync offline edits")
	fmt.Println("  casewire version             Show version information")
	fmt.Println("  casewire help                Show this help")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  ~/.casewire/config.yaml      Config file (created on first run)")
	fmt.Println("  CASEWIRE_*                   Environment overrides (e.g. CASEWIRE_POSTGRES_HOST)")
	fmt.Println("  DATABASE_URL                 Full PostgreSQL URL override")
	fmt.Println("  DEBUG                        Enable debug logging")
	fmt.Println("  LOG_JSON                     Log in JSON format (for collectors)")
}
