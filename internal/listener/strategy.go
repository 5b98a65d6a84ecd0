package listener

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/time/rate"
)

// ErrorSource distinguishes where a retry decision is being made from, so
// the default retry strategy can refuse to retry errors raised by the
// error hook itself (spec §4.4/§4.6).
type ErrorSource string

const (
	SourceMessageHandler  ErrorSource = "message-handler"
	SourceErrorHandlerErr ErrorSource = "error-handler-error"
)

// TimeoutStrategy returns the handler invocation timeout for a message.
type TimeoutStrategy interface {
	Timeout(msg *Message) time.Duration
}

// IsolationStrategy returns the isolation level to open the message's main
// transaction at; IsolationUnset lets the transaction runner issue a bare
// BEGIN.
type IsolationStrategy interface {
	Isolation(msg *Message) IsolationLevel
}

// DBClientProvider hands out the connection pool used for message
// processing and owns its shutdown.
type DBClientProvider interface {
	DB(msg *Message) *sql.DB
	Shutdown(ctx context.Context) error
}

// RetryStrategy decides whether a failed message should be retried.
type RetryStrategy interface {
	ShouldRetry(msg *Message, err error, source ErrorSource) bool
}

// PoisonousRetryStrategy decides, given a started/finished attempt gap,
// whether the message should still be given another chance rather than
// immediately abandoned as poisonous.
type PoisonousRetryStrategy interface {
	ShouldRetry(msg *Message) bool
}

// NotFoundRetryStrategy decides whether InitiateMessageProcessing should
// retry after observing a NOT_FOUND row, and how long to wait first.
type NotFoundRetryStrategy interface {
	ShouldRetry(msg *Message, attempt int) (retry bool, delay time.Duration)
}

// BatchSizeStrategy returns the next poll batch size for the C8 polling
// source.
type BatchSizeStrategy interface {
	NextBatchSize() int
}

// RestartDelayStrategy returns how long the C7 replication supervisor
// should wait before reconnecting after a given error.
type RestartDelayStrategy interface {
	Delay(err error) time.Duration
}

// --- Defaults -------------------------------------------------------------

// FixedTimeoutStrategy returns a constant timeout, per spec default 15s.
type FixedTimeoutStrategy struct {
	Duration time.Duration
}

func (s FixedTimeoutStrategy) Timeout(*Message) time.Duration {
	if s.Duration <= 0 {
		return 15 * time.Second
	}
	return s.Duration
}

// UnsetIsolationStrategy always defers to the database's default isolation
// level (a bare BEGIN).
type UnsetIsolationStrategy struct{}

func (UnsetIsolationStrategy) Isolation(*Message) IsolationLevel { return IsolationUnset }

// FixedIsolationStrategy always requests the same isolation level.
type FixedIsolationStrategy struct {
	Level IsolationLevel
}

func (s FixedIsolationStrategy) Isolation(*Message) IsolationLevel { return s.Level }

// DefaultRetryStrategy implements spec's default retry decision: a
// serialization/deadlock error is always retried up to
// max(MaxAttempts, 100) attempts; an error-handler-error is never
// retried; otherwise retry while FinishedAttempts < MaxAttempts.
type DefaultRetryStrategy struct {
	MaxAttempts               int
	EnableMaxAttemptsProtection bool
}

func (s DefaultRetryStrategy) ShouldRetry(msg *Message, err error, source ErrorSource) bool {
	if source == SourceErrorHandlerErr {
		return false
	}
	if IsRetryableTxError(err) {
		cap := s.MaxAttempts
		if cap < 100 {
			cap = 100
		}
		return msg.FinishedAttempts < cap
	}
	if !s.EnableMaxAttemptsProtection {
		return true
	}
	return msg.FinishedAttempts < s.MaxAttempts
}

// DefaultPoisonousRetryStrategy implements the default poisonous check:
// retry while the started/finished attempt gap is below the configured
// threshold.
type DefaultPoisonousRetryStrategy struct {
	MaxPoisonousAttempts int
}

func (s DefaultPoisonousRetryStrategy) ShouldRetry(msg *Message) bool {
	max := s.MaxPoisonousAttempts
	if max <= 0 {
		max = 3
	}
	return msg.AttemptGap() < max
}

// DefaultNotFoundRetryStrategy implements the default not-found retry:
// retry up to MaxAttempts times, every Delay.
type DefaultNotFoundRetryStrategy struct {
	MaxAttempts int
	Delay       time.Duration
}

func (s DefaultNotFoundRetryStrategy) ShouldRetry(_ *Message, attempt int) (bool, time.Duration) {
	delay := s.Delay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	if attempt >= s.MaxAttempts {
		return false, 0
	}
	return true, delay
}

// RampingBatchSizeStrategy returns a polling batch size of 1 for each of
// the first RampPolls calls (Max calls when RampPolls is unset) and Max
// from then on, bounding the blast radius of a poisonous cluster
// discovered right after a cold start (spec §4.4/§4.8).
type RampingBatchSizeStrategy struct {
	Max       int
	RampPolls int

	calls int
}

func (s *RampingBatchSizeStrategy) NextBatchSize() int {
	max := s.Max
	if max <= 0 {
		max = 5
	}
	ramp := s.RampPolls
	if ramp <= 0 {
		ramp = max
	}
	s.calls++
	if s.calls <= ramp {
		return 1
	}
	return max
}

// DefaultRestartDelayStrategy implements the replication-supervisor
// backoff: a short delay for ordinary disconnects, a long delay when the
// error indicates the replication slot is already in use by another
// process.
type DefaultRestartDelayStrategy struct {
	Normal      time.Duration
	SlotInUse   time.Duration
	slotInUseRe func(error) bool
}

func (s DefaultRestartDelayStrategy) Delay(err error) time.Duration {
	normal := s.Normal
	if normal <= 0 {
		normal = 250 * time.Millisecond
	}
	slotInUse := s.SlotInUse
	if slotInUse <= 0 {
		slotInUse = 10 * time.Second
	}
	if isSlotInUseError(err) {
		return slotInUse
	}
	return normal
}

// newRestartLogLimiter paces repeated restart-delay log lines so a flapping
// replication connection doesn't flood logs; used by the replication
// source, not by the strategy itself.
func newRestartLogLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Second), 1)
}
