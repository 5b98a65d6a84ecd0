package listener

import (
	"testing"
	"time"
)

func TestEffectiveConcurrency_DefaultsToSequential(t *testing.T) {
	m := &Message{}
	if got := m.EffectiveConcurrency(); got != ConcurrencySequential {
		t.Fatalf("EffectiveConcurrency() = %q, want %q", got, ConcurrencySequential)
	}

	m.Concurrency = ConcurrencyParallel
	if got := m.EffectiveConcurrency(); got != ConcurrencyParallel {
		t.Fatalf("EffectiveConcurrency() = %q, want %q", got, ConcurrencyParallel)
	}
}

func TestEffectiveSegment_FallsBackToAggregateID(t *testing.T) {
	m := &Message{AggregateID: "agg-1"}
	if got := m.EffectiveSegment(); got != "agg-1" {
		t.Fatalf("EffectiveSegment() = %q, want agg-1", got)
	}

	m.Segment = "shard-3"
	if got := m.EffectiveSegment(); got != "shard-3" {
		t.Fatalf("EffectiveSegment() = %q, want shard-3", got)
	}
}

func TestIsTerminal(t *testing.T) {
	m := &Message{}
	if m.IsTerminal() {
		t.Fatalf("IsTerminal() = true for fresh message, want false")
	}

	now := time.Now()
	m.ProcessedAt = &now
	if !m.IsTerminal() {
		t.Fatalf("IsTerminal() = false with ProcessedAt set, want true")
	}

	m2 := &Message{AbandonedAt: &now}
	if !m2.IsTerminal() {
		t.Fatalf("IsTerminal() = false with AbandonedAt set, want true")
	}
}

func TestAttemptGap(t *testing.T) {
	m := &Message{StartedAttempts: 3, FinishedAttempts: 1}
	if got := m.AttemptGap(); got != 2 {
		t.Fatalf("AttemptGap() = %d, want 2", got)
	}
}

func TestKeyOf(t *testing.T) {
	m := &Message{AggregateType: "order", MessageType: "created"}
	want := HandlerKey{AggregateType: "order", MessageType: "created"}
	if got := keyOf(m); got != want {
		t.Fatalf("keyOf() = %+v, want %+v", got, want)
	}
}
