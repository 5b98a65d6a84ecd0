// Package listener implements the transactional outbox/inbox listener:
// the concurrent engine that drains newly-inserted rows from an outbox or
// inbox table and invokes user-supplied handlers at most once per row,
// with poisonous-message detection, retry/abandonment policy and
// per-message timeout cancellation.
package listener

import "time"

// Concurrency labels how a message may be processed relative to others
// sharing its segment.
type Concurrency string

const (
	ConcurrencySequential Concurrency = "sequential"
	ConcurrencyParallel   Concurrency = "parallel"
)

// Outcome is the terminal-state code returned by the C1 row accessors.
type Outcome string

const (
	OutcomeOK               Outcome = "OK"
	OutcomeNotFound         Outcome = "NOT_FOUND"
	OutcomeAlreadyProcessed Outcome = "ALREADY_PROCESSED"
	OutcomeAbandoned        Outcome = "ABANDONED"
)

// Message represents one outbox or inbox row. Field names mirror the
// table columns described in spec §6; JSON fields carry opaque payload
// and metadata blobs the listener never interprets.
type Message struct {
	ID              string
	AggregateType   string
	AggregateID     string
	MessageType     string
	Segment         string
	Concurrency     Concurrency
	Payload         []byte
	Metadata        []byte
	CreatedAt       time.Time
	LockedUntil     time.Time
	StartedAttempts int
	FinishedAttempts int
	ProcessedAt     *time.Time
	AbandonedAt     *time.Time
}

// EffectiveConcurrency returns the message's concurrency mode, defaulting
// to sequential per spec §3.
func (m *Message) EffectiveConcurrency() Concurrency {
	if m.Concurrency == "" {
		return ConcurrencySequential
	}
	return m.Concurrency
}

// EffectiveSegment returns the message's segment, or its aggregate id when
// no segment is set — the natural serialization boundary for a row with
// no explicit grouping label. Mirrors the teacher's
// GetEffectiveMessageGroup default-bucket pattern.
func (m *Message) EffectiveSegment() string {
	if m.Segment != "" {
		return m.Segment
	}
	return m.AggregateID
}

// IsTerminal reports whether the row has reached a terminal state
// (invariant I3: at most one of ProcessedAt/AbandonedAt is set).
func (m *Message) IsTerminal() bool {
	return m.ProcessedAt != nil || m.AbandonedAt != nil
}

// AttemptGap returns startedAttempts - finishedAttempts (invariant I1/I2).
// A gap >= 2 indicates a crash occurred mid-handling after the
// started-attempts bump committed but before the main transaction did.
func (m *Message) AttemptGap() int {
	return m.StartedAttempts - m.FinishedAttempts
}

// HandlerKey identifies the (aggregateType, messageType) pair used by the
// C3 registry to select a handler for a message.
type HandlerKey struct {
	AggregateType string
	MessageType   string
}

func keyOf(m *Message) HandlerKey {
	return HandlerKey{AggregateType: m.AggregateType, MessageType: m.MessageType}
}
