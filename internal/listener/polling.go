package listener

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PollingSource implements C8: it periodically calls the server-side
// "next due messages" function, which atomically selects and lease-locks
// up to N rows, and feeds each into the processor on its own task. A
// bounded in-flight set provides backpressure — new rows are only fetched
// up to the free capacity of the set (spec §4.8). A fetched row's lease
// is the locked_until the server-side function sets; it is not renewed
// while the handler runs, so that lease must be at least as long as the
// message processing timeout.
type PollingSource struct {
	db        *sql.DB
	table     TableRef
	processor *Processor

	pollInterval time.Duration
	batchSize    BatchSizeStrategy
	maxInFlight  int

	mu        sync.Mutex
	pollMu    sync.Mutex
	inFlight  int
	taskDone  chan struct{}
	stop      chan struct{}
	running   bool
}

// NewPollingSource builds a polling source bound to one outbox/inbox
// table. maxInFlight bounds how many fetched-but-unfinished messages may
// be outstanding at once; it should be at least as large as any single
// batch the batch-size strategy can return.
func NewPollingSource(db *sql.DB, table TableRef, processor *Processor, pollInterval time.Duration, batchSize BatchSizeStrategy, maxInFlight int) *PollingSource {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if maxInFlight <= 0 {
		maxInFlight = 10
	}
	return &PollingSource{
		db:           db,
		table:        table,
		processor:    processor,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		maxInFlight:  maxInFlight,
		taskDone:     make(chan struct{}, maxInFlight),
	}
}

// Run polls until ctx is cancelled or Stop is called. On each iteration it
// races the poll-interval timer against a task-completion signal — either
// unblocks the next poll attempt, matching the rendezvous the source
// implementation describes (spec §4.8).
func (p *PollingSource) Run(ctx context.Context) error {
	p.mu.Lock()
	p.running = true
	p.stop = make(chan struct{})
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-p.taskDone:
		case <-ticker.C:
		}

		if err := p.poll(ctx); err != nil {
			log.Error().Err(err).Msg("polling iteration failed")
		}
	}
}

// Stop requests the polling loop to exit.
func (p *PollingSource) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stop := p.stop
	p.mu.Unlock()
	close(stop)
}

func (p *PollingSource) poll(ctx context.Context) error {
	if !p.pollMu.TryLock() {
		return nil
	}
	defer p.pollMu.Unlock()

	p.mu.Lock()
	available := p.maxInFlight - p.inFlight
	p.mu.Unlock()
	if available <= 0 {
		return nil
	}

	n := p.batchSize.NextBatchSize()
	if n > available {
		n = available
	}
	if n <= 0 {
		return nil
	}

	rows, err := p.fetchDueMessages(ctx, n)
	if err != nil {
		return newError(CodeBatchProcessingError, "", fmt.Errorf("fetch due messages: %w", err))
	}
	if len(rows) == 0 {
		return nil
	}

	p.mu.Lock()
	p.inFlight += len(rows)
	p.mu.Unlock()

	for _, msg := range rows {
		msg := msg
		go p.runTask(ctx, msg)
	}
	return nil
}

func (p *PollingSource) runTask(ctx context.Context, msg *Message) {
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
		select {
		case p.taskDone <- struct{}{}:
		default:
		}
	}()

	if err := p.processor.Process(ctx, msg); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("message processing failed")
	}
}

// fetchDueMessages calls the server-side function
// "next_<table>_messages(maxN)" and decodes its result set. The function
// is expected to atomically select up to maxN due rows (locked_until <
// NOW() and not terminal), bump started_attempts, extend locked_until,
// and return the full row for each.
func (p *PollingSource) fetchDueMessages(ctx context.Context, maxN int) ([]*Message, error) {
	query := fmt.Sprintf(
		`SELECT id, aggregate_type, aggregate_id, message_type, segment, concurrency,
		        payload, metadata, created_at, locked_until, started_attempts, finished_attempts
		 FROM next_%s_messages($1)`,
		p.table.Table,
	)

	rows, err := p.db.QueryContext(ctx, query, maxN)
	if err != nil {
		return nil, newError(CodeDBError, "", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		var segment sql.NullString
		var lockedUntil sql.NullTime
		if err := rows.Scan(
			&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.MessageType, &segment, &msg.Concurrency,
			&msg.Payload, &msg.Metadata, &msg.CreatedAt, &lockedUntil, &msg.StartedAttempts, &msg.FinishedAttempts,
		); err != nil {
			return nil, newError(CodeDBError, "", fmt.Errorf("scan due message row: %w", err))
		}
		if segment.Valid {
			msg.Segment = segment.String
		}
		if lockedUntil.Valid {
			msg.LockedUntil = lockedUntil.Time
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, newError(CodeDBError, "", err)
	}
	return messages, nil
}
