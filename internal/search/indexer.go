package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/casewire/casewire/internal/chunk"
)

const (
	// embedBatchSize bounds one embedding request during indexing.
	embedBatchSize = 32
	// indexJobTimeout bounds one queued indexing job.
	indexJobTimeout = 2 * time.Minute
)

// indexJob is one queued unit of indexing work.
type indexJob struct {
	evidenceID uuid.UUID
	caseID     uuid.UUID
	text       string
	remove     bool
}

// Indexer turns evidence text into stored, embedded chunks.
//
// The synchronous methods do the work inline; the Enqueue methods hand
// it to a single background worker so upload requests return without
// waiting on the embedding provider. The worker is started by the app
// and drained on shutdown.
type Indexer struct {
	store    *Store
	embedder *Embedder
	logger   *slog.Logger
	opts     chunk.Options

	mu     sync.Mutex
	queue  chan indexJob
	closed bool
	done   chan struct{}
}

// NewIndexer creates an Indexer. queueSize bounds the async backlog.
func NewIndexer(store *Store, embedder *Embedder, logger *slog.Logger, queueSize int) (*Indexer, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Indexer{
		store:    store,
		embedder: embedder,
		logger:   logger,
		queue:    make(chan indexJob, queueSize),
		done:     make(chan struct{}),
	}, nil
}

// IndexEvidence chunks, embeds, and stores the evidence text,
// replacing any chunks from a previous indexing run. Empty text clears
// the evidence from the corpus.
func (ix *Indexer) IndexEvidence(ctx context.Context, evidenceID, caseID uuid.UUID, text string) error {
	chunks := chunk.Split(text, ix.opts)
	if len(chunks) == 0 {
		return ix.store.DeleteByEvidence(ctx, evidenceID)
	}

	vecs := make([]pgvector.Vector, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, ch := range chunks[start:end] {
			texts = append(texts, ch.Content)
		}
		batch, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding chunks %d-%d: %w", start, end, err)
		}
		vecs = append(vecs, batch...)
	}

	if err := ix.store.Replace(ctx, evidenceID, caseID, chunks, vecs); err != nil {
		return fmt.Errorf("storing chunks: %w", err)
	}

	ix.logger.Info("evidence indexed",
		"evidence_id", evidenceID, "chunks", len(chunks))
	return nil
}

// RemoveEvidence drops the evidence's chunks from the corpus.
func (ix *Indexer) RemoveEvidence(ctx context.Context, evidenceID uuid.UUID) error {
	return ix.store.DeleteByEvidence(ctx, evidenceID)
}

// Enqueue schedules asynchronous indexing. It never blocks: a full
// queue returns ErrQueueFull so the caller can fall back or surface the
// pressure.
func (ix *Indexer) Enqueue(evidenceID, caseID uuid.UUID, text string) error {
	return ix.enqueue(indexJob{evidenceID: evidenceID, caseID: caseID, text: text})
}

// EnqueueRemoval schedules asynchronous chunk removal.
func (ix *Indexer) EnqueueRemoval(evidenceID uuid.UUID) error {
	return ix.enqueue(indexJob{evidenceID: evidenceID, remove: true})
}

func (ix *Indexer) enqueue(job indexJob) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	select {
	case ix.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the worker goroutine. The worker exits when Drain
// closes the queue; ctx cancellation aborts the job in flight.
func (ix *Indexer) Start(ctx context.Context) {
	go func() {
		defer close(ix.done)
		for job := range ix.queue {
			ix.run(ctx, job)
		}
	}()
}

// run executes one job with its own timeout.
func (ix *Indexer) run(ctx context.Context, job indexJob) {
	jobCtx, cancel := context.WithTimeout(ctx, indexJobTimeout)
	defer cancel()

	var err error
	if job.remove {
		err = ix.RemoveEvidence(jobCtx, job.evidenceID)
	} else {
		err = ix.IndexEvidence(jobCtx, job.evidenceID, job.caseID, job.text)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		ix.logger.Error("background indexing failed",
			"evidence_id", job.evidenceID, "remove", job.remove, "error", err)
	}
}

// Drain stops accepting new work and waits for the backlog to finish
// or ctx to expire.
func (ix *Indexer) Drain(ctx context.Context) {
	ix.mu.Lock()
	if !ix.closed {
		ix.closed = true
		close(ix.queue)
	}
	ix.mu.Unlock()

	select {
	case <-ix.done:
	case <-ctx.Done():
		ix.logger.Warn("indexer drain timed out", "remaining", len(ix.queue))
	}
}
