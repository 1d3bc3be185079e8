// Package projection implements the Projection Runner (spec §4.5):
// idempotent, checkpointed read-model consumers driven off the event
// log's global sequence.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chainledger/internal/ledger"
	"chainledger/internal/obs"
)

type Status string

const (
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusRebuilding Status = "rebuilding"
	StatusError      Status = "error"
)

const (
	DefaultBatchSize    = 200
	DefaultPollInterval = 500 * time.Millisecond
)

// Checkpoint is a projection's persisted position and health.
type Checkpoint struct {
	Name         string `db:"name"`
	LastSequence int64  `db:"last_sequence"`
	Status       Status `db:"status"`
	ErrorMessage string `db:"error_message"`
}

// Handler folds one event onto a projection's own tables, in the same
// transaction the Runner uses to advance the checkpoint. Handlers that
// insert rows must key them on event.ID (or similar) so a post-crash
// replay from LastSequence+1 does not double-apply (spec §4.5).
type Handler interface {
	Name() string
	HandleEvent(ctx context.Context, tx *sqlx.Tx, event ledger.Event) error
}

// EventSource is the read path the Runner polls; satisfied by
// *eventstore.EventStore.
type EventSource interface {
	EventsFrom(ctx context.Context, fromSequence int64, limit int) ([]ledger.Event, error)
}

// Runner drives any number of registered Handlers independently: one
// handler's error halts only that projection (spec §4.5).
type Runner struct {
	db           *sqlx.DB
	events       EventSource
	metrics      *obs.Metrics
	tracer       trace.Tracer
	batchSize    int
	pollInterval time.Duration
}

func New(db *sqlx.DB, events EventSource, metrics *obs.Metrics) *Runner {
	return &Runner{
		db:           db,
		events:       events,
		metrics:      metrics,
		tracer:       obs.Tracer("projection"),
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
	}
}

func (r *Runner) ensureCheckpoint(ctx context.Context, name string) (Checkpoint, error) {
	var cp Checkpoint
	err := r.db.GetContext(ctx, &cp, `
		SELECT name, last_sequence, status, COALESCE(error_message, '') AS error_message
		FROM projection_checkpoints WHERE name = $1
	`, name)
	if err == nil {
		return cp, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (name, last_sequence, status)
		VALUES ($1, 0, $2) ON CONFLICT (name) DO NOTHING
	`, name, StatusRunning)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("init checkpoint: %w", err)
	}
	return Checkpoint{Name: name, LastSequence: 0, Status: StatusRunning}, nil
}

// Run drives a single handler until ctx is canceled or the handler
// errors, in which case the projection's status is set to error and Run
// returns. Other projections' Run goroutines are unaffected.
func (r *Runner) Run(ctx context.Context, h Handler) error {
	name := h.Name()
	if _, err := r.ensureCheckpoint(ctx, name); err != nil {
		return err
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				advanced, err := r.tick(ctx, h)
				if err != nil {
					r.markError(context.Background(), name, err)
					r.metrics.RecordProjectionError(name)
					return err
				}
				if !advanced || ctx.Err() != nil {
					break
				}
				// advanced: catch up immediately, don't wait out the next tick
			}
		}
	}
}

// tick processes at most one batch and reports whether it advanced the
// checkpoint, so Run can keep draining backlog without waiting on the
// poll interval between batches.
func (r *Runner) tick(ctx context.Context, h Handler) (bool, error) {
	name := h.Name()
	ctx, span := r.tracer.Start(ctx, "projection.tick", trace.WithAttributes(attribute.String("projection", name)))
	defer span.End()

	var cp Checkpoint
	if err := r.db.GetContext(ctx, &cp, `
		SELECT name, last_sequence, status, COALESCE(error_message, '') AS error_message
		FROM projection_checkpoints WHERE name = $1
	`, name); err != nil {
		return false, fmt.Errorf("read checkpoint: %w", err)
	}
	if cp.Status == StatusPaused || cp.Status == StatusError {
		return false, nil
	}
	if cp.Status == StatusRebuilding {
		cp.LastSequence = 0
	}

	events, err := r.events.EventsFrom(ctx, cp.LastSequence+1, r.batchSize)
	if err != nil {
		return false, fmt.Errorf("read events: %w", err)
	}
	if len(events) == 0 {
		if cp.Status == StatusRebuilding {
			if _, err := r.db.ExecContext(ctx, `
				UPDATE projection_checkpoints SET status = $2 WHERE name = $1
			`, name, StatusRunning); err != nil {
				return false, fmt.Errorf("finish rebuild: %w", err)
			}
		}
		return false, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		if err := h.HandleEvent(ctx, tx, ev); err != nil {
			return false, fmt.Errorf("%w: %s: %v", ledger.ErrProjectionHandlerFailed, name, err)
		}
	}
	last := events[len(events)-1].Sequence
	if _, err := tx.ExecContext(ctx, `
		UPDATE projection_checkpoints SET last_sequence = $2, status = $3, error_message = NULL WHERE name = $1
	`, name, last, StatusRunning); err != nil {
		return false, fmt.Errorf("advance checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (r *Runner) markError(ctx context.Context, name string, cause error) {
	_, _ = r.db.ExecContext(ctx, `
		UPDATE projection_checkpoints SET status = $2, error_message = $3 WHERE name = $1
	`, name, StatusError, cause.Error())
}

// Pause halts advancement without forgetting position.
func (r *Runner) Pause(ctx context.Context, name string) error {
	return r.setStatus(ctx, name, StatusPaused)
}

// Resume lifts a Pause (or clears an Error) and continues from the
// existing checkpoint.
func (r *Runner) Resume(ctx context.Context, name string) error {
	return r.setStatus(ctx, name, StatusRunning)
}

// Rebuild resets a projection's checkpoint to 0 so the next tick
// replays its entire history (spec §4.5).
func (r *Runner) Rebuild(ctx context.Context, name string) error {
	return r.setStatus(ctx, name, StatusRebuilding)
}

func (r *Runner) setStatus(ctx context.Context, name string, status Status) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE projection_checkpoints SET status = $2, error_message = NULL WHERE name = $1
	`, name, status)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("projection %q has no checkpoint", name)
	}
	return nil
}

// Status returns a projection's current checkpoint.
func (r *Runner) Status(ctx context.Context, name string) (Checkpoint, error) {
	var cp Checkpoint
	err := r.db.GetContext(ctx, &cp, `
		SELECT name, last_sequence, status, COALESCE(error_message, '') AS error_message
		FROM projection_checkpoints WHERE name = $1
	`, name)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("status: %w", err)
	}
	return cp, nil
}
