package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresQueue persists replay entries in sync_replay_queue.
type PostgresQueue struct {
	db          querier
	maxAttempts int
}

var _ Queue = (*PostgresQueue)(nil)

func NewPostgresQueue(pool *pgxpool.Pool, maxAttempts int) *PostgresQueue {
	if pool == nil {
		panic("reconcile: pgx pool required")
	}
	return newPostgresQueueWithExec(pool, maxAttempts)
}

func newPostgresQueueWithExec(db querier, maxAttempts int) *PostgresQueue {
	if db == nil {
		panic("reconcile: exec required")
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &PostgresQueue{db: db, maxAttempts: maxAttempts}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, entry Entry) (uuid.UUID, error) {
	query := `
		INSERT INTO sync_replay_queue (id, appointment_id, external_id, operation, reason, payload)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		ON CONFLICT (appointment_id, operation) WHERE resolved_at IS NULL
		DO UPDATE SET external_id = EXCLUDED.external_id, reason = EXCLUDED.reason,
			payload = EXCLUDED.payload, next_attempt_at = now()
		RETURNING id
	`
	var payload []byte
	if len(entry.Payload) > 0 {
		payload = entry.Payload
	}
	var id uuid.UUID
	if err := q.db.QueryRow(ctx, query, uuid.New(), entry.AppointmentID, entry.ExternalID, string(entry.Operation), entry.Reason, payload).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("reconcile: enqueue: %w", err)
	}
	return id, nil
}

func (q *PostgresQueue) FetchPending(ctx context.Context, limit int32) ([]Entry, error) {
	query := `
		SELECT id, appointment_id, COALESCE(external_id, ''), operation, COALESCE(reason, ''), payload, attempts, created_at
		FROM sync_replay_queue
		WHERE resolved_at IS NULL AND next_attempt_at <= now() AND attempts < $1
		ORDER BY next_attempt_at, created_at
		LIMIT $2
	`
	rows, err := q.db.Query(ctx, query, q.maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("reconcile: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var op string
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.AppointmentID, &entry.ExternalID, &op, &entry.Reason, &payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("reconcile: scan entry: %w", err)
		}
		entry.Operation = Operation(op)
		if len(payload) > 0 {
			entry.Payload = append([]byte(nil), payload...)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (q *PostgresQueue) MarkResolved(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE sync_replay_queue
		SET resolved_at = now()
		WHERE id = $1 AND resolved_at IS NULL
	`
	ct, err := q.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("reconcile: mark resolved: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (q *PostgresQueue) MarkAttempt(ctx context.Context, id uuid.UUID, cause error, next time.Time) error {
	var lastErr string
	if cause != nil {
		lastErr = cause.Error()
	}
	query := `
		UPDATE sync_replay_queue
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE id = $1
	`
	if _, err := q.db.Exec(ctx, query, id, lastErr, next.UTC()); err != nil {
		return fmt.Errorf("reconcile: mark attempt: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Supersede(ctx context.Context, appointmentID string) (int64, error) {
	query := `
		UPDATE sync_replay_queue
		SET superseded_at = now(), resolved_at = COALESCE(resolved_at, now())
		WHERE appointment_id = $1 AND superseded_at IS NULL
	`
	ct, err := q.db.Exec(ctx, query, appointmentID)
	if err != nil {
		return 0, fmt.Errorf("reconcile: supersede %s: %w", appointmentID, err)
	}
	return ct.RowsAffected(), nil
}

func (q *PostgresQueue) Superseded(ctx context.Context, id uuid.UUID) (bool, error) {
	var superseded bool
	err := q.db.QueryRow(ctx,
		`SELECT superseded_at IS NOT NULL FROM sync_replay_queue WHERE id = $1`, id,
	).Scan(&superseded)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reconcile: superseded %s: %w", id, err)
	}
	return superseded, nil
}
