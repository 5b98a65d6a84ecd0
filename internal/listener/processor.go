package listener

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Processor drives one message through its full lifecycle: handler
// selection, the started-attempts bump (replication sources only — a
// polling source's C8 fetch function has already bumped it server-side),
// the optional poisonous-abandon check, and the main processing
// transaction (C5, spec §4.5). It has no concurrency policy of its own —
// the replication source (C7) gates concurrent invocations with a
// ConcurrencyController before calling Process, and the polling source
// (C8) bounds them with its in-flight count.
type Processor struct {
	accessor  *Accessor
	txRunner  *TxRunner
	registry  *Registry
	orchestr  *ErrorOrchestrator
	timeout   TimeoutStrategy
	isolation IsolationStrategy
	notFound  NotFoundRetryStrategy
	poisonous PoisonousRetryStrategy
	retry     RetryStrategy

	// bumpStartedAttempts is true only for a replication-fed processor: the
	// started-attempts branch is always taken for replication (spec §4.7),
	// independent of enablePoisonousProtection, since it is what makes crash
	// detection possible in the first place. A polling-fed processor leaves
	// this false because next_<table>_messages() already bumped the
	// counter when it fetched the row (spec §4.8); bumping again here would
	// inflate started_attempts past finished_attempts on every successful
	// poll and eventually trip the poisonous check on a healthy stream.
	bumpStartedAttempts bool
	// enablePoisonousProtection gates whether the started/finished gap is
	// ever consulted to abandon a message as poisonous — the specification
	// defaults this to off for outbox tables and on for inbox tables.
	enablePoisonousProtection bool
}

// NewProcessor builds a message processor from its wired dependencies.
func NewProcessor(
	accessor *Accessor,
	txRunner *TxRunner,
	registry *Registry,
	orchestr *ErrorOrchestrator,
	timeout TimeoutStrategy,
	isolation IsolationStrategy,
	notFound NotFoundRetryStrategy,
	poisonous PoisonousRetryStrategy,
	retry RetryStrategy,
	bumpStartedAttempts bool,
	enablePoisonousProtection bool,
) *Processor {
	return &Processor{
		accessor:                  accessor,
		txRunner:                  txRunner,
		registry:                  registry,
		orchestr:                  orchestr,
		timeout:                   timeout,
		isolation:                 isolation,
		notFound:                  notFound,
		poisonous:                 poisonous,
		retry:                     retry,
		bumpStartedAttempts:       bumpStartedAttempts,
		enablePoisonousProtection: enablePoisonousProtection,
	}
}

// Process runs the full C5 state machine for one message. It returns nil
// on successful completion (including the no-handler/already-processed/
// abandoned no-op paths); any returned error has already been routed
// through the error orchestrator where applicable, so callers only need to
// log it.
func (p *Processor) Process(ctx context.Context, msg *Message) error {
	handler, errorHandler := p.registry.Select(msg)
	if handler == nil {
		return p.completeNoHandler(ctx, msg)
	}

	if p.bumpStartedAttempts {
		outcome, err := p.doBumpStartedAttempts(ctx, msg)
		if err != nil {
			return err
		}
		if outcome != OutcomeOK {
			return nil
		}
	}

	if p.enablePoisonousProtection && msg.AttemptGap() >= 2 && !p.poisonous.ShouldRetry(msg) {
		return p.abandonAsPoisonous(ctx, msg)
	}

	return p.runMainTransaction(ctx, msg, handler, errorHandler)
}

// completeNoHandler advances the stream for a message with no registered
// handler by marking it completed directly, with no processing
// transaction (spec §4.5's no-handler path).
func (p *Processor) completeNoHandler(ctx context.Context, msg *Message) error {
	err := p.txRunner.Run(ctx, IsolationUnset, func(ctx context.Context, tx *sql.Tx) error {
		return p.accessor.MarkCompleted(ctx, tx, msg)
	})
	if err != nil {
		return newError(CodeMessageStorageFailed, msg.ID, err)
	}
	return nil
}

// doBumpStartedAttempts increments started_attempts in its own
// transaction, independent of the main processing transaction, so the
// counter persists even if the handler's transaction later rolls back
// (spec §4.1/§4.5 — this is what makes the started/finished attempt-gap
// heuristic durable across crashes). Only called when p.bumpStartedAttempts
// is set, i.e. for a replication-fed processor.
func (p *Processor) doBumpStartedAttempts(ctx context.Context, msg *Message) (Outcome, error) {
	var outcome Outcome
	err := p.txRunner.Run(ctx, IsolationUnset, func(ctx context.Context, tx *sql.Tx) error {
		o, err := p.accessor.StartedAttemptsIncrement(ctx, tx, msg)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})
	if err != nil {
		return "", newError(CodeMessageStorageFailed, msg.ID, err)
	}
	return outcome, nil
}

func (p *Processor) abandonAsPoisonous(ctx context.Context, msg *Message) error {
	err := p.txRunner.Run(ctx, IsolationUnset, func(ctx context.Context, tx *sql.Tx) error {
		return p.accessor.MarkAbandoned(ctx, tx, msg)
	})
	if err != nil {
		return newError(CodePoisonousMessage, msg.ID, fmt.Errorf("abandon poisonous message: %w", err))
	}
	return newError(CodePoisonousMessage, msg.ID, fmt.Errorf("message abandoned after %d unfinished attempts", msg.AttemptGap()))
}

// runMainTransaction opens the message's main transaction at the
// strategy-selected isolation level, locks the row, invokes the handler
// under a timeout, and marks the row completed — all atomically. A
// handler error is handed to the error orchestrator, which runs in its
// own transaction(s) after this one rolls back.
func (p *Processor) runMainTransaction(ctx context.Context, msg *Message, handler Handler, errorHandler ErrorHandler) error {
	timeout := p.timeout.Timeout(msg)
	isolation := p.isolation.Isolation(msg)

	handleErr := p.txRunner.Run(ctx, isolation, func(ctx context.Context, tx *sql.Tx) error {
		outcome, err := p.accessor.InitiateMessageProcessing(ctx, tx, msg, p.notFound)
		if err != nil {
			return err
		}
		switch outcome {
		case OutcomeNotFound, OutcomeAlreadyProcessed, OutcomeAbandoned:
			return nil
		}

		// A row that already has unsuccessful attempts but would no longer
		// be retried (e.g. a replayed replication event for a row the
		// retry strategy has already exhausted) is left alone here — it
		// will be abandoned by whichever path drove that exhaustion,
		// rather than processed again.
		if msg.FinishedAttempts > 0 && !p.retry.ShouldRetry(msg, nil, SourceMessageHandler) {
			return nil
		}

		hctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := p.invokeHandler(hctx, handler, msg, tx, timeout); err != nil {
			return err
		}

		return p.accessor.MarkCompleted(ctx, tx, msg)
	})

	if handleErr == nil {
		return nil
	}
	orchErr := p.orchestr.Handle(ctx, handleErr, msg, errorHandler)
	var lerr *Error
	if errors.As(handleErr, &lerr) && lerr.Code == CodeTimeout {
		return newError(CodeTimeout, msg.ID, orchErr)
	}
	return orchErr
}

// invokeHandler calls the handler directly (not on a separate goroutine):
// tx is a *sql.Tx, not safe for concurrent use, so cancellation can only be
// cooperative — the deadline on ctx causes any tx query the handler issues
// to fail with context.DeadlineExceeded, which is translated below.
func (p *Processor) invokeHandler(ctx context.Context, handler Handler, msg *Message, tx *sql.Tx, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(CodeMessageHandlingFailed, msg.ID, fmt.Errorf("handler panicked: %v", r))
		}
	}()

	if herr := handler.Handle(ctx, msg, tx); herr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return newError(CodeTimeout, msg.ID, fmt.Errorf("handler did not complete within %s: %w", timeout, herr))
		}
		return newError(CodeMessageHandlingFailed, msg.ID, herr)
	}
	return nil
}
