package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/app"
	"github.com/casewire/casewire/internal/assistant"
	"github.com/casewire/casewire/internal/config"
	"github.com/casewire/casewire/internal/tui"
)

// runCLI starts the interactive research assistant TUI.
func runCLI() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Warn("shutdown error", "error", closeErr)
		}
	}()

	sessionID, err := getOrCreateSession(ctx, a)
	if err != nil {
		return fmt.Errorf("preparing session: %w", err)
	}

	model, err := tui.New(ctx, a.Flow, sessionID.String())
	if err != nil {
		return fmt.Errorf("creating TUI: %w", err)
	}
	program := tea.NewProgram(model, tea.WithContext(ctx))

	if _, err = program.Run(); err != nil {
		return fmt.Errorf("TUI exited: %w", err)
	}
	return nil
}

// getOrCreateSession resumes the last CLI session or opens a new one
// owned by the local operator account.
func getOrCreateSession(ctx context.Context, a *app.App) (uuid.UUID, error) {
	operator, err := a.Auth.EnsureOperator(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	if id, err := loadCurrentSessionID(); err == nil && id != uuid.Nil {
		switch _, err := a.Sessions.Session(ctx, id); {
		case err == nil:
			return id, nil
		case !errors.Is(err, assistant.ErrSessionNotFound):
			return uuid.Nil, err
		}
	}

	sess, err := a.Sessions.CreateSession(ctx, operator.ID, nil, "New Session")
	if err != nil {
		return uuid.Nil, err
	}
	if err := saveCurrentSessionID(sess.ID); err != nil {
		slog.Warn("saving session state", "error", err)
	}
	return sess.ID, nil
}

// sessionStatePath is the file remembering the CLI's current session.
func sessionStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".casewire", "session"), nil
}

func loadCurrentSessionID() (uuid.UUID, error) {
	path, err := sessionStatePath()
	if err != nil {
		return uuid.Nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(strings.TrimSpace(string(data)))
}

func saveCurrentSessionID(id uuid.UUID) error {
	path, err := sessionStatePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(id.String()+"\n"), 0o600)
}
