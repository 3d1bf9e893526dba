// Package audit implements the durable, append-only decision log: every
// Judge verdict and HITL operator decision lands in one Postgres table,
// written by an async, buffered writer (channel -> ticker-flushed batch ->
// pgx batch exec) so recording never blocks the review hot path. The table
// is flat, scoped by a tenant_id column — see internal/tenantdb for why
// there are no per-tenant schemas.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/agentfleet/pkg/task"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Entry is one row appended to decision_log: a JudgeDecision plus which
// subsystem recorded it. RecordDecision always sets "judge", including for
// HITL verdicts applied through the Judge.
type Entry struct {
	task.JudgeDecision
	CampaignID string
	Source     string
}

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine, so recording a
// decision never blocks the Judge's hot path on a database round trip.
type Writer struct {
	db      *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates a Writer. Call Start to begin processing entries.
func NewWriter(db *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{db: db, logger: logger, entries: make(chan Entry, bufferSize)}
}

// Start launches the background flush goroutine and returns immediately;
// the goroutine flushes what is buffered and exits when ctx is cancelled or
// Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for the background goroutine to drain and flush.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an entry for async writing. It never blocks the caller; if
// the buffer is full the entry is dropped and a warning logged — a dropped
// audit row never blocks a JudgeDecision from taking effect.
func (w *Writer) Log(e Entry) {
	select {
	case w.entries <- e:
	default:
		w.logger.Warn("audit log buffer full, dropping entry", "task_id", e.TaskID, "decision", e.Decision)
	}
}

// RecordDecision implements judge.AuditSink, letting a Writer be wired
// directly as the Judge's durable audit sink in place of LogAuditSink.
func (w *Writer) RecordDecision(_ context.Context, decision task.JudgeDecision) error {
	w.Log(Entry{JudgeDecision: decision, Source: "judge"})
	return nil
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO decision_log (tenant_id, task_id, campaign_id, decision, requires_human_review, reasoning, source, decided_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.TenantID, e.TaskID, e.CampaignID, string(e.Decision), e.RequiresHumanReview, e.Reasoning, e.Source, e.DecidedAt,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			w.logger.Error("writing decision log entry", "error", err)
		}
	}
}
