package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/config"
	"github.com/casewire/casewire/internal/realtime"
)

// runSync mirrors one case into a local SQLite cache and replays
// offline edits when the server is reachable. It talks to a running
// `casewire serve` instance over WebSocket; the app stack is not
// initialized here.
func runSync() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	syncFlags := flag.NewFlagSet("sync", flag.ContinueOnError)
	syncFlags.SetOutput(os.Stderr)
	caseFlag := syncFlags.String("case", "", "Case ID to mirror (required)")
	serverFlag := syncFlags.String("server", cfg.Sync.ServerURL, "API server base URL")
	tokenFlag := syncFlags.String("token", os.Getenv("CASEWIRE_TOKEN"), "Bearer token (default: CASEWIRE_TOKEN)")

	args := []string{}
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}
	if err := syncFlags.Parse(args); err != nil {
		return fmt.Errorf("parsing sync flags: %w", err)
	}

	if *caseFlag == "" {
		return errors.New("sync: --case is required")
	}
	caseID, err := uuid.Parse(*caseFlag)
	if err != nil {
		return fmt.Errorf("sync: invalid case ID %q: %w", *caseFlag, err)
	}
	if *tokenFlag == "" {
		return errors.New("sync: a bearer token is required (--token or CASEWIRE_TOKEN)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()
	client, err := realtime.NewClient(realtime.ClientConfig{
		ServerURL: *serverFlag,
		Token:     *tokenFlag,
		CaseID:    caseID,
		CacheDir:  cfg.Sync.CacheDir,
		Logger:    logger,
		OnEvent: func(ev realtime.Event) {
			logger.Info("event applied", "type", ev.Type, "id", ev.ID)
		},
	})
	if err != nil {
		return fmt.Errorf("creating sync client: %w", err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("closing sync client", "error", closeErr)
		}
	}()

	logger.Info("sync running", "case_id", caseID, "server", *serverFlag)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}
