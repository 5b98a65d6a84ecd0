package listener

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func TestCleanupScheduler_Enabled(t *testing.T) {
	table := TableRef{Table: testTable}

	disabled := NewCleanupScheduler(nil, table, time.Minute, 0, 0, 0)
	if disabled.Enabled() {
		t.Fatalf("Enabled() = true with every threshold at zero, want false")
	}

	noInterval := NewCleanupScheduler(nil, table, 0, time.Hour, 0, 0)
	if noInterval.Enabled() {
		t.Fatalf("Enabled() = true with zero interval, want false")
	}

	enabled := NewCleanupScheduler(nil, table, time.Minute, time.Hour, 0, 0)
	if !enabled.Enabled() {
		t.Fatalf("Enabled() = false with a positive threshold and interval, want true")
	}
}

func TestCleanupScheduler_DeletesOldProcessedRows(t *testing.T) {
	db := setupDB(t)
	table := TableRef{Table: testTable}
	accessor := newTestAccessor()
	txRunner := NewTxRunner(db)

	oldMsg := &Message{AggregateType: "order", AggregateID: "old", MessageType: "created", Payload: []byte("{}")}
	insertMessage(t, db, oldMsg)
	err := txRunner.Run(context.Background(), IsolationUnset, func(ctx context.Context, tx *sql.Tx) error {
		return accessor.MarkCompleted(ctx, tx, oldMsg)
	})
	if err != nil {
		t.Fatalf("MarkCompleted returned error: %v", err)
	}
	// Backdate processed_at so it falls outside the cleanup threshold.
	if _, err := db.ExecContext(context.Background(),
		"UPDATE outbox_messages SET processed_at = NOW() - interval '1 hour' WHERE id = $1", oldMsg.ID); err != nil {
		t.Fatalf("failed to backdate processed_at: %v", err)
	}

	recentMsg := &Message{AggregateType: "order", AggregateID: "recent", MessageType: "created", Payload: []byte("{}")}
	insertMessage(t, db, recentMsg)
	err = txRunner.Run(context.Background(), IsolationUnset, func(ctx context.Context, tx *sql.Tx) error {
		return accessor.MarkCompleted(ctx, tx, recentMsg)
	})
	if err != nil {
		t.Fatalf("MarkCompleted returned error: %v", err)
	}

	scheduler := NewCleanupScheduler(db, table, time.Minute, 30*time.Minute, 0, 0)
	if err := scheduler.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce returned error: %v", err)
	}

	var count int
	row := db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM outbox_messages WHERE id = $1", oldMsg.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("failed to count old row: %v", err)
	}
	if count != 0 {
		t.Fatalf("old processed row still present after cleanup, want deleted")
	}

	row = db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM outbox_messages WHERE id = $1", recentMsg.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("failed to count recent row: %v", err)
	}
	if count != 1 {
		t.Fatalf("recent processed row deleted, want retained")
	}
}

func TestCleanupScheduler_StopIsIdempotent(t *testing.T) {
	scheduler := NewCleanupScheduler(nil, TableRef{Table: testTable}, time.Minute, time.Hour, 0, 0)
	scheduler.Stop()
	scheduler.Stop()
}
