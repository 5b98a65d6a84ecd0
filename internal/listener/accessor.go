package listener

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// lockNotAvailableSQLState is raised by `FOR UPDATE/FOR NO KEY UPDATE
// NOWAIT` when another session already holds the row lock.
const lockNotAvailableSQLState = "55P03"

// TableRef names the schema-qualified table the C1 accessors operate
// against. Schema/table come from trusted configuration (spec §4.1): no
// dynamic identifier escaping is performed, only parameterised values.
type TableRef struct {
	Schema string
	Table  string
}

func (t TableRef) qualified() string {
	if t.Schema == "" {
		return t.Table
	}
	return fmt.Sprintf("%s.%s", t.Schema, t.Table)
}

// Accessor implements the C1 row operations: parameterised SQL against one
// message row, executed over a connection already enrolled in the
// caller's transaction.
type Accessor struct {
	table TableRef
}

// NewAccessor builds a row accessor bound to one outbox/inbox table.
func NewAccessor(table TableRef) *Accessor {
	return &Accessor{table: table}
}

type rowState struct {
	startedAttempts  int
	finishedAttempts int
	lockedUntil      sql.NullTime
	processedAt      sql.NullTime
	abandonedAt      sql.NullTime
}

func (s rowState) outcome() Outcome {
	switch {
	case s.processedAt.Valid:
		return OutcomeAlreadyProcessed
	case s.abandonedAt.Valid:
		return OutcomeAbandoned
	default:
		return OutcomeOK
	}
}

func applyRowState(msg *Message, s rowState) {
	msg.StartedAttempts = s.startedAttempts
	msg.FinishedAttempts = s.finishedAttempts
	if s.lockedUntil.Valid {
		msg.LockedUntil = s.lockedUntil.Time
	}
	if s.processedAt.Valid {
		t := s.processedAt.Time
		msg.ProcessedAt = &t
	}
	if s.abandonedAt.Valid {
		t := s.abandonedAt.Time
		msg.AbandonedAt = &t
	}
}

// StartedAttemptsIncrement executes the crash-detection bump: it locks the
// row NOWAIT, increments started_attempts, and returns the row's current
// state. Runs in its own transaction (the caller supplies tx) so the
// counter survives even if the main processing transaction later rolls
// back — this is what makes the I2 crash-gap heuristic meaningful.
func (a *Accessor) StartedAttemptsIncrement(ctx context.Context, tx *sql.Tx, msg *Message) (Outcome, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET started_attempts = started_attempts + 1
		WHERE id IN (SELECT id FROM %s WHERE id = $1 FOR UPDATE NOWAIT)
		RETURNING started_attempts, finished_attempts, locked_until, processed_at, abandoned_at
	`, a.table.qualified(), a.table.qualified())

	return a.runLockingUpdate(ctx, tx, query, msg)
}

// InitiateMessageProcessing obtains the row-level write lock that the
// caller holds for the remainder of the processing transaction
// (`FOR NO KEY UPDATE NOWAIT`: blocks concurrent writers, permits
// concurrent key-reads). If the row is NOT_FOUND and the supplied
// not-found retry strategy authorises another attempt, it sleeps for the
// strategy's delay and retries — covering the race where a replication
// event announces an INSERT whose row is not yet visible to this session.
func (a *Accessor) InitiateMessageProcessing(ctx context.Context, tx *sql.Tx, msg *Message, notFoundRetry NotFoundRetryStrategy) (Outcome, error) {
	query := fmt.Sprintf(`
		SELECT started_attempts, finished_attempts, locked_until, processed_at, abandoned_at
		FROM %s
		WHERE id = $1
		FOR NO KEY UPDATE NOWAIT
	`, a.table.qualified())

	attempt := 0
	for {
		var s rowState
		row := tx.QueryRowContext(ctx, query, msg.ID)
		err := row.Scan(&s.startedAttempts, &s.finishedAttempts, &s.lockedUntil, &s.processedAt, &s.abandonedAt)
		if errors.Is(err, sql.ErrNoRows) {
			retry, delay := notFoundRetry.ShouldRetry(msg, attempt)
			if !retry {
				return OutcomeNotFound, nil
			}
			attempt++
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return OutcomeNotFound, ctx.Err()
			}
		}
		if err != nil {
			return "", newError(CodeDBError, msg.ID, fmt.Errorf("initiate message processing: %w", err))
		}
		applyRowState(msg, s)
		return s.outcome(), nil
	}
}

func (a *Accessor) runLockingUpdate(ctx context.Context, tx *sql.Tx, query string, msg *Message) (Outcome, error) {
	var s rowState
	row := tx.QueryRowContext(ctx, query, msg.ID)
	err := row.Scan(&s.startedAttempts, &s.finishedAttempts, &s.lockedUntil, &s.processedAt, &s.abandonedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return OutcomeNotFound, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailableSQLState {
		return OutcomeNotFound, nil
	}
	if err != nil {
		return "", newError(CodeDBError, msg.ID, fmt.Errorf("locking update: %w", err))
	}
	applyRowState(msg, s)
	return s.outcome(), nil
}

// MarkCompleted sets processed_at and bumps finished_attempts. Always
// succeeds unless the database itself errors.
func (a *Accessor) MarkCompleted(ctx context.Context, tx *sql.Tx, msg *Message) error {
	query := fmt.Sprintf(`
		UPDATE %s SET processed_at = NOW(), finished_attempts = finished_attempts + 1 WHERE id = $1
	`, a.table.qualified())
	if _, err := tx.ExecContext(ctx, query, msg.ID); err != nil {
		return newError(CodeDBError, msg.ID, fmt.Errorf("mark completed: %w", err))
	}
	msg.FinishedAttempts++
	now := time.Now().UTC()
	msg.ProcessedAt = &now
	return nil
}

// MarkAbandoned sets abandoned_at and bumps finished_attempts.
func (a *Accessor) MarkAbandoned(ctx context.Context, tx *sql.Tx, msg *Message) error {
	query := fmt.Sprintf(`
		UPDATE %s SET abandoned_at = clock_timestamp(), finished_attempts = finished_attempts + 1 WHERE id = $1
	`, a.table.qualified())
	if _, err := tx.ExecContext(ctx, query, msg.ID); err != nil {
		return newError(CodeDBError, msg.ID, fmt.Errorf("mark abandoned: %w", err))
	}
	msg.FinishedAttempts++
	now := time.Now().UTC()
	msg.AbandonedAt = &now
	return nil
}

// IncrementFinishedAttempts bumps finished_attempts without marking the
// row terminal — used when the retry strategy grants another attempt.
func (a *Accessor) IncrementFinishedAttempts(ctx context.Context, tx *sql.Tx, msg *Message) error {
	query := fmt.Sprintf(`UPDATE %s SET finished_attempts = finished_attempts + 1 WHERE id = $1`, a.table.qualified())
	if _, err := tx.ExecContext(ctx, query, msg.ID); err != nil {
		return newError(CodeDBError, msg.ID, fmt.Errorf("increment finished attempts: %w", err))
	}
	msg.FinishedAttempts++
	return nil
}
