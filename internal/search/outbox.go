package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/casewire/casewire/internal/metrics"
)

const (
	// outboxMaxAttempts is the retry cap before an op is dead-lettered.
	outboxMaxAttempts = 10
	// outboxRetryBase is the first retry delay; it doubles per attempt.
	outboxRetryBase = 2 * time.Second
	// outboxRetryMax caps the retry delay.
	outboxRetryMax = 5 * time.Minute
	// outboxOpTimeout bounds one batch against the secondary index.
	outboxOpTimeout = 30 * time.Second
)

// outboxRow is one claimed replication op.
type outboxRow struct {
	id       int64
	chunkID  uuid.UUID
	op       string
	attempts int
}

// OutboxWorker drains search_outbox to the Qdrant index.
//
// Rows are claimed FOR UPDATE SKIP LOCKED, so multiple server instances
// can run workers against the same table without stepping on each
// other. Delivery is at-least-once; the index operations are idempotent
// (upsert by ID, delete tolerates absence), so replays converge.
type OutboxWorker struct {
	pool    *pgxpool.Pool
	index   *Index
	logger  *slog.Logger
	metrics *metrics.Metrics

	interval time.Duration
	batch    int

	done chan struct{}
}

// NewOutboxWorker creates a worker. metrics may be nil.
func NewOutboxWorker(pool *pgxpool.Pool, index *Index, logger *slog.Logger,
	interval time.Duration, batch int, m *metrics.Metrics) (*OutboxWorker, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if index == nil {
		return nil, fmt.Errorf("index is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 64
	}
	return &OutboxWorker{
		pool:     pool,
		index:    index,
		logger:   logger,
		metrics:  m,
		interval: interval,
		batch:    batch,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the poll loop. It returns immediately; the loop exits
// when ctx is cancelled.
func (w *OutboxWorker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Warn("outbox batch failed", "error", err)
				}
				w.recordDepth(ctx)
			}
		}
	}()
}

// Drain processes remaining rows until the table is empty, an error
// repeats, or ctx expires. Called during shutdown after the HTTP server
// stops producing new rows.
func (w *OutboxWorker) Drain(ctx context.Context) {
	// Wait for the poll loop to stop so Drain is the only consumer.
	select {
	case <-w.done:
	case <-ctx.Done():
		return
	}

	for {
		n, err := w.processBatch(ctx)
		if err != nil {
			w.logger.Warn("outbox drain stopped", "error", err)
			return
		}
		if n == 0 {
			w.logger.Info("outbox drained")
			return
		}
		if ctx.Err() != nil {
			w.logger.Warn("outbox drain timed out", "remaining_at_least", n)
			return
		}
	}
}

// processBatch claims up to batch rows and applies them to the index.
// It returns the number of rows claimed.
func (w *OutboxWorker) processBatch(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			w.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	claimed, err := claimRows(ctx, tx, w.batch)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	// A chunk ID is never reused, so of the ops queued for one chunk
	// only the newest matters: an upsert followed by a delete must not
	// resurrect the point. Older ops complete as no-ops.
	latest := make(map[uuid.UUID]outboxRow, len(claimed))
	for _, row := range claimed {
		if cur, ok := latest[row.chunkID]; !ok || row.id > cur.id {
			latest[row.chunkID] = row
		}
	}

	var upserts, deletes []uuid.UUID
	for _, row := range latest {
		switch row.op {
		case "upsert":
			upserts = append(upserts, row.chunkID)
		case "delete":
			deletes = append(deletes, row.chunkID)
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, outboxOpTimeout)
	defer cancel()

	opErr := w.apply(opCtx, tx, upserts, deletes)

	var done []int64
	var failed []outboxRow
	for _, row := range claimed {
		if opErr == nil {
			done = append(done, row.id)
		} else if row.attempts+1 >= outboxMaxAttempts {
			// Dead letter: give up, log loudly, drop the row so it
			// stops blocking the queue.
			w.logger.Error("outbox op dead-lettered",
				"chunk_id", row.chunkID, "op", row.op,
				"attempts", row.attempts+1, "error", opErr)
			done = append(done, row.id)
		} else {
			failed = append(failed, row)
		}
		if w.metrics != nil {
			w.metrics.OutboxProcessed.WithLabelValues(row.op, fmt.Sprint(opErr == nil)).Inc()
		}
	}

	if len(done) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM search_outbox WHERE id = ANY($1)`, done); err != nil {
			return 0, fmt.Errorf("completing outbox rows: %w", err)
		}
	}
	if len(failed) > 0 {
		for delay, ids := range rescheduleDelays(failed) {
			_, err := tx.Exec(ctx, `
				UPDATE search_outbox
				SET attempts = attempts + 1,
				    last_error = $2,
				    available_at = now() + $3::interval
				WHERE id = ANY($1)`,
				ids, opErr.Error(), delay.String())
			if err != nil {
				return 0, fmt.Errorf("rescheduling outbox rows: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}

	if opErr != nil {
		w.logger.Warn("outbox batch errored, rows rescheduled",
			"claimed", len(claimed), "failed", len(failed), "error", opErr)
	}
	return len(claimed), nil
}

// apply pushes the collapsed ops to the index. Upserted chunks are
// loaded inside the claiming transaction so the embedding seen is the
// one the op was queued for (or newer, which is fine).
func (w *OutboxWorker) apply(ctx context.Context, tx pgx.Tx, upserts, deletes []uuid.UUID) error {
	if len(upserts) > 0 {
		points, err := loadPoints(ctx, tx, upserts)
		if err != nil {
			return err
		}
		if err := w.index.Upsert(ctx, points); err != nil {
			return err
		}
	}
	if len(deletes) > 0 {
		if err := w.index.Delete(ctx, deletes); err != nil {
			return err
		}
	}
	return nil
}

// claimRows locks the next batch of due ops.
func claimRows(ctx context.Context, tx pgx.Tx, batch int) ([]outboxRow, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, chunk_id, op, attempts
		FROM search_outbox
		WHERE available_at <= now()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, batch)
	if err != nil {
		return nil, fmt.Errorf("claiming outbox rows: %w", err)
	}
	defer rows.Close()

	var out []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.id, &r.chunkID, &r.op, &r.attempts); err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox rows: %w", err)
	}
	return out, nil
}

// loadPoints reads the chunk rows behind upsert ops. A chunk that no
// longer exists is skipped: its delete op is already queued behind us.
func loadPoints(ctx context.Context, q querier, ids []uuid.UUID) ([]Point, error) {
	rows, err := q.Query(ctx, `
		SELECT id, evidence_id, case_id, legal_domain, confidence, left(content, 200), embedding
		FROM evidence_chunks
		WHERE id = ANY($1) AND embedding IS NOT NULL`, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunks for upsert: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		var vec pgvector.Vector
		err := rows.Scan(&p.ChunkID, &p.EvidenceID, &p.CaseID,
			&p.Domain, &p.Confidence, &p.Snippet, &vec)
		if err != nil {
			return nil, fmt.Errorf("scanning chunk for upsert: %w", err)
		}
		p.Vector = vec.Slice()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks for upsert: %w", err)
	}
	return out, nil
}

// recordDepth updates the queue depth gauge, best effort.
func (w *OutboxWorker) recordDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	var n int64
	if err := w.pool.QueryRow(ctx, `SELECT count(*) FROM search_outbox`).Scan(&n); err != nil {
		return
	}
	w.metrics.OutboxDepth.Set(float64(n))
}

// retryDelay doubles per attempt from outboxRetryBase, capped.
// rescheduleDelays buckets failed rows by their own backoff so one
// UPDATE serves each distinct delay. A fresh row sharing a batch with
// a veteran one must not inherit its long wait.
func rescheduleDelays(failed []outboxRow) map[time.Duration][]int64 {
	byDelay := make(map[time.Duration][]int64)
	for _, row := range failed {
		d := retryDelay(row.attempts)
		byDelay[d] = append(byDelay[d], row.id)
	}
	return byDelay
}

func retryDelay(attempts int) time.Duration {
	d := outboxRetryBase
	for i := 0; i < attempts && d < outboxRetryMax; i++ {
		d *= 2
	}
	return min(d, outboxRetryMax)
}
