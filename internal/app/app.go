// Package app wires the application together.
//
// Setup builds every component from configuration and returns an App
// whose exported fields are the wired dependencies. Construction is
// fail-fast: any provider error tears down what was already built.
// Start launches the background loops (indexer, outbox replication,
// realtime relay, memory decay); Close drains them and releases
// resources in reverse construction order.
package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/casewire/casewire/internal/assistant"
	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/capture"
	"github.com/casewire/casewire/internal/cases"
	"github.com/casewire/casewire/internal/config"
	"github.com/casewire/casewire/internal/evidence"
	"github.com/casewire/casewire/internal/memory"
	"github.com/casewire/casewire/internal/metrics"
	"github.com/casewire/casewire/internal/objstore"
	"github.com/casewire/casewire/internal/realtime"
	"github.com/casewire/casewire/internal/reports"
	"github.com/casewire/casewire/internal/search"
)

// App is the application container. Fields are populated by Setup and
// must be treated as read-only afterwards.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Genkit   *genkit.Genkit
	Embedder *search.Embedder

	Auth     *auth.Service
	Cases    *cases.Store
	Evidence *evidence.Store
	Reports  *reports.Store
	Objects  *objstore.Store // nil when MinIO is not configured
	Capture  *capture.Fetcher

	SearchStore *search.Store
	Qdrant      *search.Index // nil when Qdrant is not configured
	Search      *search.Service
	Indexer     *search.Indexer
	Outbox      *search.OutboxWorker // nil when Qdrant is not configured

	Memory   *memory.Service
	Sessions *assistant.Store
	Agent    *assistant.Agent
	Flow     *assistant.Flow

	Hub *realtime.Hub
	Bus *realtime.Bus

	scheduler *memory.Scheduler

	// bgCtx outlives requests; async memory write-back and the decay
	// scheduler run on it. wg tracks those goroutines for shutdown.
	bgCtx    context.Context //nolint:containedctx // app lifecycle context, not a request context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	// loopCancel stops the Start loops; set by Start, used by Drain so
	// the outbox poll loop is down before the drain pass runs.
	loopCancel context.CancelFunc

	// cleanups run in reverse order on Close.
	cleanups []func()
}

// Start launches the background loops: async indexing, outbox
// replication, the realtime relay, and the memory decay scheduler.
// They run until Drain or Close.
func (a *App) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	a.loopCancel = cancel

	if a.Indexer != nil {
		a.Indexer.Start(loopCtx)
	}
	if a.Outbox != nil {
		a.Outbox.Start(loopCtx)
	}
	if a.Bus != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Bus.Run(loopCtx); err != nil {
				a.Logger.Warn("realtime bus stopped", "error", err)
			}
		}()
	}
	if a.scheduler != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.scheduler.Run(a.bgCtx)
		}()
	}
}

// Drain flushes queued background work after the HTTP server stops
// producing it: pending index jobs land first (they queue outbox
// rows), then the poll loops stop, then the outbox drain pass
// replicates what remains. Bounded by ctx.
func (a *App) Drain(ctx context.Context) {
	if a.Indexer != nil {
		a.Indexer.Drain(ctx)
	}
	if a.loopCancel != nil {
		a.loopCancel()
	}
	if a.Outbox != nil {
		a.Outbox.Drain(ctx)
	}
}

// Close stops background goroutines and releases resources in reverse
// construction order. Safe to call after a partial Setup failure.
func (a *App) Close() error {
	if a.loopCancel != nil {
		a.loopCancel()
	}
	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.wg.Wait()

	if a.Hub != nil {
		a.Hub.Close()
	}
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil

	if a.Logger != nil {
		a.Logger.Info("application closed")
	}
	return nil
}

// onClose registers a cleanup to run during Close.
func (a *App) onClose(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}
