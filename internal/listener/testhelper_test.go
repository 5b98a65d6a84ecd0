package listener

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testTable is the outbox table every integration test in this package
// runs its scenarios against.
const testTable = "outbox_messages"

// setupDB starts a disposable Postgres container, opens a *sql.DB against
// it through the pgx stdlib driver, and creates the table shape and
// "next due messages" function the listener's C1/C8/C9 components expect.
// The container is torn down automatically when the test completes.
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("listener_test"),
		postgres.WithUsername("listener"),
		postgres.WithPassword("listener"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open pgx connection: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("failed to ping test database: %v", err)
	}

	if err := createSchema(ctx, db); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return db
}

func createSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS outbox_messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			aggregate_type VARCHAR(255) NOT NULL,
			aggregate_id VARCHAR(255) NOT NULL,
			message_type VARCHAR(255) NOT NULL,
			segment VARCHAR(255),
			concurrency VARCHAR(20) NOT NULL DEFAULT 'sequential',
			payload BYTEA NOT NULL,
			metadata BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			locked_until TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_attempts INT NOT NULL DEFAULT 0,
			finished_attempts INT NOT NULL DEFAULT 0,
			processed_at TIMESTAMPTZ,
			abandoned_at TIMESTAMPTZ
		)`,
		`CREATE OR REPLACE FUNCTION next_outbox_messages(max_n INT)
		 RETURNS SETOF outbox_messages AS $$
		 BEGIN
			RETURN QUERY
			UPDATE outbox_messages
			SET started_attempts = started_attempts + 1,
			    locked_until = NOW() + interval '5 seconds'
			WHERE id IN (
				SELECT id FROM outbox_messages
				WHERE locked_until < NOW()
				  AND processed_at IS NULL
				  AND abandoned_at IS NULL
				ORDER BY created_at
				LIMIT max_n
				FOR UPDATE SKIP LOCKED
			)
			RETURNING *;
		 END;
		 $$ LANGUAGE plpgsql;`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func insertMessage(t *testing.T, db *sql.DB, msg *Message) {
	t.Helper()
	const q = `
		INSERT INTO outbox_messages
			(id, aggregate_type, aggregate_id, message_type, segment, concurrency, payload, metadata)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	row := db.QueryRowContext(context.Background(), q,
		msg.AggregateType, msg.AggregateID, msg.MessageType, nullableSegment(msg.Segment),
		string(msg.EffectiveConcurrency()), msg.Payload, msg.Metadata)
	if err := row.Scan(&msg.ID); err != nil {
		t.Fatalf("failed to insert test message: %v", err)
	}
}

func nullableSegment(segment string) sql.NullString {
	if segment == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: segment, Valid: true}
}
