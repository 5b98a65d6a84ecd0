package listener

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsolationLevel names the PostgreSQL transaction isolation level a
// strategy may request for a message's main transaction. The zero value
// means "unset" — the transaction runner issues a bare BEGIN and lets the
// database apply its configured default.
type IsolationLevel string

const (
	IsolationUnset         IsolationLevel = ""
	IsolationReadCommitted IsolationLevel = "READ COMMITTED"
	IsolationRepeatableRead IsolationLevel = "REPEATABLE READ"
	IsolationSerializable  IsolationLevel = "SERIALIZABLE"
)

// sqlStateSerializationFailure and sqlStateDeadlockDetected are the
// PostgreSQL SQLSTATE codes the transaction runner treats as retryable
// (spec §4.2).
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// IsRetryableTxError reports whether err is a PostgreSQL serialization
// failure or deadlock (SQLSTATE 40001/40P01).
func IsRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
	}
	return false
}

// TxRunner opens a transaction at a chosen isolation level, runs a
// callback against it, and commits or rolls back depending on the
// callback's outcome (C2). Every exit path releases the connection back
// to the pool.
type TxRunner struct {
	db *sql.DB
}

// NewTxRunner constructs a transaction runner bound to a connection pool.
func NewTxRunner(db *sql.DB) *TxRunner {
	return &TxRunner{db: db}
}

// Run executes body inside a transaction at the given isolation level.
// Unrecognized/unset isolation levels fall back to a bare BEGIN. On a
// non-nil error from body, the transaction is rolled back and the
// original error is returned (a rollback failure is recorded as a
// secondary cause, never replacing the primary error). On success the
// transaction commits.
func (r *TxRunner) Run(ctx context.Context, isolation IsolationLevel, body func(ctx context.Context, tx *sql.Tx) error) error {
	opts := isolationToTxOptions(isolation)

	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return newError(CodeDBError, "", fmt.Errorf("begin transaction: %w", err))
	}

	bodyErr := body(ctx, tx)
	if bodyErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", bodyErr, rbErr)
		}
		return bodyErr
	}

	if err := tx.Commit(); err != nil {
		return newError(CodeDBError, "", fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func isolationToTxOptions(isolation IsolationLevel) *sql.TxOptions {
	switch isolation {
	case IsolationSerializable:
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	case IsolationRepeatableRead:
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	case IsolationReadCommitted:
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	default:
		return nil
	}
}
