package listener

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func serializationFailureErr() error {
	return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
}

func TestDefaultRetryStrategy_ErrorHandlerErrorsNeverRetry(t *testing.T) {
	s := DefaultRetryStrategy{MaxAttempts: 5, EnableMaxAttemptsProtection: true}
	msg := &Message{FinishedAttempts: 0}
	if s.ShouldRetry(msg, errors.New("boom"), SourceErrorHandlerErr) {
		t.Fatalf("ShouldRetry() = true for SourceErrorHandlerErr, want false")
	}
}

func TestDefaultRetryStrategy_RetryableTxErrorUsesHighCap(t *testing.T) {
	s := DefaultRetryStrategy{MaxAttempts: 5, EnableMaxAttemptsProtection: true}
	msg := &Message{FinishedAttempts: 50}
	if !s.ShouldRetry(msg, serializationFailureErr(), SourceMessageHandler) {
		t.Fatalf("ShouldRetry() = false for serialization failure under cap, want true")
	}

	msg.FinishedAttempts = 200
	if s.ShouldRetry(msg, serializationFailureErr(), SourceMessageHandler) {
		t.Fatalf("ShouldRetry() = true beyond the 100-attempt cap, want false")
	}
}

func TestDefaultRetryStrategy_ProtectionDisabledAlwaysRetries(t *testing.T) {
	s := DefaultRetryStrategy{MaxAttempts: 1, EnableMaxAttemptsProtection: false}
	msg := &Message{FinishedAttempts: 999}
	if !s.ShouldRetry(msg, errors.New("ordinary failure"), SourceMessageHandler) {
		t.Fatalf("ShouldRetry() = false with protection disabled, want true")
	}
}

func TestDefaultRetryStrategy_ProtectionEnabledRespectsMaxAttempts(t *testing.T) {
	s := DefaultRetryStrategy{MaxAttempts: 3, EnableMaxAttemptsProtection: true}
	msg := &Message{FinishedAttempts: 2}
	if !s.ShouldRetry(msg, errors.New("ordinary failure"), SourceMessageHandler) {
		t.Fatalf("ShouldRetry() = false below MaxAttempts, want true")
	}
	msg.FinishedAttempts = 3
	if s.ShouldRetry(msg, errors.New("ordinary failure"), SourceMessageHandler) {
		t.Fatalf("ShouldRetry() = true at MaxAttempts, want false")
	}
}

func TestDefaultPoisonousRetryStrategy(t *testing.T) {
	s := DefaultPoisonousRetryStrategy{MaxPoisonousAttempts: 3}
	msg := &Message{StartedAttempts: 2, FinishedAttempts: 0}
	if !s.ShouldRetry(msg) {
		t.Fatalf("ShouldRetry() = false for gap below threshold, want true")
	}
	msg.StartedAttempts = 3
	if s.ShouldRetry(msg) {
		t.Fatalf("ShouldRetry() = true for gap at threshold, want false")
	}
}

func TestDefaultPoisonousRetryStrategy_ZeroDefaultsToThree(t *testing.T) {
	s := DefaultPoisonousRetryStrategy{}
	msg := &Message{StartedAttempts: 2}
	if !s.ShouldRetry(msg) {
		t.Fatalf("ShouldRetry() = false with zero-value max, want default of 3 to apply")
	}
}

func TestDefaultNotFoundRetryStrategy(t *testing.T) {
	s := DefaultNotFoundRetryStrategy{MaxAttempts: 2, Delay: 5 * time.Millisecond}
	msg := &Message{}

	retry, delay := s.ShouldRetry(msg, 0)
	if !retry || delay != 5*time.Millisecond {
		t.Fatalf("ShouldRetry(attempt=0) = (%v, %v), want (true, 5ms)", retry, delay)
	}

	retry, _ = s.ShouldRetry(msg, 2)
	if retry {
		t.Fatalf("ShouldRetry(attempt=2) = true at MaxAttempts, want false")
	}
}

func TestRampingBatchSizeStrategy(t *testing.T) {
	s := &RampingBatchSizeStrategy{Max: 10, RampPolls: 2}

	if got := s.NextBatchSize(); got != 1 {
		t.Fatalf("NextBatchSize() call 1 = %d, want 1", got)
	}
	if got := s.NextBatchSize(); got != 1 {
		t.Fatalf("NextBatchSize() call 2 = %d, want 1", got)
	}
	if got := s.NextBatchSize(); got != 10 {
		t.Fatalf("NextBatchSize() call 3 = %d, want 10 (ramp complete)", got)
	}
}

func TestDefaultRestartDelayStrategy(t *testing.T) {
	s := DefaultRestartDelayStrategy{Normal: 100 * time.Millisecond, SlotInUse: 5 * time.Second}

	if got := s.Delay(errors.New("connection reset")); got != 100*time.Millisecond {
		t.Fatalf("Delay(ordinary error) = %v, want 100ms", got)
	}

	slotErr := &pgconn.PgError{Code: "55006", Message: `replication slot "inbox" is active for PID 123`}
	if got := s.Delay(slotErr); got != 5*time.Second {
		t.Fatalf("Delay(slot-in-use error) = %v, want 5s", got)
	}
}

func TestFixedTimeoutStrategy_DefaultsWhenUnset(t *testing.T) {
	s := FixedTimeoutStrategy{}
	if got := s.Timeout(&Message{}); got != 15*time.Second {
		t.Fatalf("Timeout() = %v, want 15s default", got)
	}

	s.Duration = 3 * time.Second
	if got := s.Timeout(&Message{}); got != 3*time.Second {
		t.Fatalf("Timeout() = %v, want 3s", got)
	}
}
