package listener

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ErrorOrchestrator implements C6: it runs after the main processing
// transaction rolls back, deciding — in a fresh transaction of its own —
// whether the message gets another attempt or is abandoned, and gives the
// registered error hook a chance to run first (spec §4.6).
type ErrorOrchestrator struct {
	accessor *Accessor
	txRunner *TxRunner
	retry    RetryStrategy
}

// NewErrorOrchestrator builds an error orchestrator.
func NewErrorOrchestrator(accessor *Accessor, txRunner *TxRunner, retry RetryStrategy) *ErrorOrchestrator {
	return &ErrorOrchestrator{accessor: accessor, txRunner: txRunner, retry: retry}
}

// Handle is invoked with the error a handler (or the processing
// transaction itself) raised. It always returns a non-nil error — the
// original cause, possibly wrapped — for the caller to log. The row state
// has been durably updated by the time Handle returns unless every
// fallback attempt failed too; that case returns
// CodeMessageErrorHandlingFailed.
func (o *ErrorOrchestrator) Handle(ctx context.Context, cause error, msg *Message, errorHandler ErrorHandler) error {
	willRetry := o.willRetryAfterThisAttempt(msg, cause, SourceMessageHandler)

	txErr := o.txRunner.Run(ctx, IsolationUnset, func(ctx context.Context, tx *sql.Tx) error {
		if errorHandler != nil {
			if hookErr := o.runErrorHook(ctx, errorHandler, cause, msg, tx, willRetry); hookErr != nil {
				return o.handleHookFailure(ctx, tx, msg, hookErr)
			}
		}
		if willRetry {
			return o.accessor.IncrementFinishedAttempts(ctx, tx, msg)
		}
		return o.accessor.MarkAbandoned(ctx, tx, msg)
	})

	if txErr != nil {
		return o.bestEffortFallback(ctx, msg, cause, txErr)
	}

	if willRetry {
		return newError(CodeMessageHandlingFailed, msg.ID, cause)
	}
	return newError(CodeGivingUpMessageHandling, msg.ID, cause)
}

func (o *ErrorOrchestrator) runErrorHook(ctx context.Context, errorHandler ErrorHandler, cause error, msg *Message, tx *sql.Tx, willRetry bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("error handler panicked: %v", r)
		}
	}()
	return errorHandler.HandleError(ctx, cause, msg, tx, willRetry)
}

func (o *ErrorOrchestrator) handleHookFailure(ctx context.Context, tx *sql.Tx, msg *Message, hookErr error) error {
	retryHookFailure := o.willRetryAfterThisAttempt(msg, hookErr, SourceErrorHandlerErr)
	if retryHookFailure {
		return o.accessor.IncrementFinishedAttempts(ctx, tx, msg)
	}
	return o.accessor.MarkAbandoned(ctx, tx, msg)
}

// willRetryAfterThisAttempt consults the retry strategy against the
// finishedAttempts count the row will have once this attempt's increment
// commits (spec §4.6 step 2: bump the in-memory count, then decide),
// without mutating msg itself — the real bump only happens once the
// accessor call it gates has actually run.
func (o *ErrorOrchestrator) willRetryAfterThisAttempt(msg *Message, cause error, source ErrorSource) bool {
	probe := *msg
	probe.FinishedAttempts++
	return o.retry.ShouldRetry(&probe, cause, source)
}

// bestEffortFallback runs when the orchestrator's own transaction failed
// to commit (most commonly a serialization/deadlock conflict against a
// concurrent accessor call). It retries the bare row-state update — never
// the error hook again — up to three times, each in its own transaction,
// sleeping i*100ms between attempts only when the failure looks
// retryable. If every attempt fails, the message is abandoned on the
// next attempt using the error-handler-error error source so the retry
// strategy cannot loop forever on a stuck connection.
func (o *ErrorOrchestrator) bestEffortFallback(ctx context.Context, msg *Message, cause, txErr error) error {
	willRetry := o.willRetryAfterThisAttempt(msg, cause, SourceMessageHandler)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 && IsRetryableTxError(lastErr) {
			select {
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
				return newError(CodeMessageErrorHandlingFailed, msg.ID, ctx.Err())
			}
		}

		lastErr = o.txRunner.Run(ctx, IsolationUnset, func(ctx context.Context, tx *sql.Tx) error {
			if willRetry {
				return o.accessor.IncrementFinishedAttempts(ctx, tx, msg)
			}
			return o.accessor.MarkAbandoned(ctx, tx, msg)
		})
		if lastErr == nil {
			if willRetry {
				return newError(CodeMessageHandlingFailed, msg.ID, cause)
			}
			return newError(CodeGivingUpMessageHandling, msg.ID, cause)
		}
	}

	if !o.willRetryAfterThisAttempt(msg, lastErr, SourceErrorHandlerErr) {
		_ = o.txRunner.Run(ctx, IsolationUnset, func(ctx context.Context, tx *sql.Tx) error {
			return o.accessor.MarkAbandoned(ctx, tx, msg)
		})
	}

	return newError(CodeMessageErrorHandlingFailed, msg.ID, fmt.Errorf("row state update failed after retries: %w (original: %v)", lastErr, cause))
}
