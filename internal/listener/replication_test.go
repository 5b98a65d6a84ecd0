package listener

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestApplyColumn_MapsKnownColumns(t *testing.T) {
	msg := &Message{}

	cases := []struct {
		name  string
		value string
	}{
		{"id", "11111111-1111-1111-1111-111111111111"},
		{"aggregate_type", "order"},
		{"aggregate_id", "a-1"},
		{"message_type", "created"},
		{"segment", "shard-2"},
		{"concurrency", "parallel"},
		{"payload", `{"k":"v"}`},
		{"metadata", `{"trace":"abc"}`},
		{"started_attempts", "3"},
		{"finished_attempts", "1"},
	}
	for _, tc := range cases {
		if err := applyColumn(msg, tc.name, tc.value); err != nil {
			t.Fatalf("applyColumn(%q, %q) returned error: %v", tc.name, tc.value, err)
		}
	}

	if msg.ID != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("ID = %q", msg.ID)
	}
	if msg.AggregateType != "order" || msg.AggregateID != "a-1" || msg.MessageType != "created" {
		t.Fatalf("identity columns not applied correctly: %+v", msg)
	}
	if msg.Segment != "shard-2" {
		t.Fatalf("Segment = %q, want shard-2", msg.Segment)
	}
	if msg.Concurrency != ConcurrencyParallel {
		t.Fatalf("Concurrency = %q, want parallel", msg.Concurrency)
	}
	if string(msg.Payload) != `{"k":"v"}` {
		t.Fatalf("Payload = %q", msg.Payload)
	}
	if string(msg.Metadata) != `{"trace":"abc"}` {
		t.Fatalf("Metadata = %q", msg.Metadata)
	}
	if msg.StartedAttempts != 3 || msg.FinishedAttempts != 1 {
		t.Fatalf("attempt counters not applied: %+v", msg)
	}
}

func TestApplyColumn_UnknownColumnIsIgnored(t *testing.T) {
	msg := &Message{}
	if err := applyColumn(msg, "some_future_column", "whatever"); err != nil {
		t.Fatalf("applyColumn on an unrecognized column returned error: %v", err)
	}
}

func TestApplyColumn_CreatedAtParsesBothFormats(t *testing.T) {
	msg := &Message{}
	if err := applyColumn(msg, "created_at", "2024-01-02 03:04:05.123456+00"); err != nil {
		t.Fatalf("applyColumn(created_at, postgres text format) returned error: %v", err)
	}
	if msg.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt not set from postgres text format")
	}

	msg2 := &Message{}
	if err := applyColumn(msg2, "created_at", "2024-01-02T03:04:05.123456789Z"); err != nil {
		t.Fatalf("applyColumn(created_at, RFC3339Nano) returned error: %v", err)
	}
	if msg2.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt not set from RFC3339Nano format")
	}
}

func TestApplyColumn_InvalidAttemptCountIsAnError(t *testing.T) {
	msg := &Message{}
	if err := applyColumn(msg, "started_attempts", "not-a-number"); err == nil {
		t.Fatalf("applyColumn(started_attempts, non-numeric) error = nil, want error")
	}
}

func TestIsSlotInUseError(t *testing.T) {
	if isSlotInUseError(nil) {
		t.Fatalf("isSlotInUseError(nil) = true, want false")
	}
	if isSlotInUseError(errors.New("connection refused")) {
		t.Fatalf("isSlotInUseError(ordinary error) = true, want false")
	}

	pgErr := &pgconn.PgError{Message: `replication slot "outbox" is active for PID 4821`}
	if !isSlotInUseError(pgErr) {
		t.Fatalf("isSlotInUseError(slot-in-use PgError) = false, want true")
	}

	if !isSlotInUseError(errors.New(`ERROR: replication slot "outbox" is active for PID 4821`)) {
		t.Fatalf("isSlotInUseError(plain error with matching text) = false, want true")
	}
}

func TestReplicationSource_ReplicationConnString(t *testing.T) {
	table := TableRef{Table: testTable}
	withoutQuery := NewReplicationSource("postgres://localhost/db", "slot", "pub", table, nil, nil, nil)
	if got := withoutQuery.replicationConnString(); got != "postgres://localhost/db?replication=database" {
		t.Fatalf("replicationConnString() = %q", got)
	}

	withQuery := NewReplicationSource("postgres://localhost/db?sslmode=disable", "slot", "pub", table, nil, nil, nil)
	if got := withQuery.replicationConnString(); got != "postgres://localhost/db?sslmode=disable&replication=database" {
		t.Fatalf("replicationConnString() = %q", got)
	}
}

func TestAckTracker_FlushPositionHoldsBackWhileInFlight(t *testing.T) {
	acker := newAckTracker(pglogrepl.LSN(100))

	acker.track(pglogrepl.LSN(110))
	acker.track(pglogrepl.LSN(120))
	acker.track(pglogrepl.LSN(130))

	// Completing the middle message out of order must not advance the
	// watermark past the still-outstanding first one.
	acker.complete(pglogrepl.LSN(120))
	if got := acker.flushPosition(pglogrepl.LSN(130)); got != pglogrepl.LSN(100) {
		t.Fatalf("flushPosition = %v, want 100 (unchanged while lsn 110 is still in flight)", got)
	}

	acker.complete(pglogrepl.LSN(110))
	if got := acker.flushPosition(pglogrepl.LSN(130)); got != pglogrepl.LSN(120) {
		t.Fatalf("flushPosition = %v, want 120 after 110 and 120 both completed", got)
	}

	acker.complete(pglogrepl.LSN(130))
	if got := acker.flushPosition(pglogrepl.LSN(130)); got != pglogrepl.LSN(130) {
		t.Fatalf("flushPosition = %v, want 130 once everything dispatched has completed", got)
	}
}

func TestAckTracker_FlushPositionAdvancesWithReceivedWhenIdle(t *testing.T) {
	acker := newAckTracker(pglogrepl.LSN(100))

	if got := acker.flushPosition(pglogrepl.LSN(150)); got != pglogrepl.LSN(150) {
		t.Fatalf("flushPosition = %v, want 150 with nothing ever dispatched", got)
	}
}

func TestNewReplicationSource_DefaultsRestartDelayStrategy(t *testing.T) {
	table := TableRef{Table: testTable}
	src := NewReplicationSource("postgres://localhost/db", "slot", "pub", table, nil, nil, nil)
	if src.restartDelay == nil {
		t.Fatalf("restartDelay is nil, want a default strategy")
	}
	if got := src.restartDelay.Delay(nil); got != 250*time.Millisecond {
		t.Fatalf("default restart delay = %v, want 250ms", got)
	}
}
