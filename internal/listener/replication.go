package listener

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const outputPlugin = "pgoutput"

// maxConsecutiveReplicationFailures bounds how many connection errors in a
// row the supervisor tolerates before giving up and returning the error to
// the caller (spec §4.7) — the caller decides whether to restart the whole
// listener.
const maxConsecutiveReplicationFailures = 10

// errReplicationStopped is returned up the call stack when Stop has been
// requested; the reconnect supervisor treats it as a clean exit rather than
// a failure to back off and retry.
var errReplicationStopped = newError(CodeListenerStopped, "", errors.New("replication stopped"))

// ReplicationSource implements C7: it subscribes to a logical replication
// slot/publication, decodes INSERT messages against the outbox/inbox
// table into Messages, and dispatches each through the concurrency
// controller to the processor, acknowledging WAL positions only after a
// message has finished processing.
type ReplicationSource struct {
	connString      string
	slotName        string
	publicationName string
	table           TableRef

	processor    *Processor
	controller   ConcurrencyController
	restartDelay RestartDelayStrategy

	mu      sync.Mutex
	running bool
	stop    chan struct{}

	logLimiter *rate.Limiter
}

// NewReplicationSource builds a replication source. connString must carry
// replication=database (appended automatically if missing).
func NewReplicationSource(connString, slotName, publicationName string, table TableRef, processor *Processor, controller ConcurrencyController, restartDelay RestartDelayStrategy) *ReplicationSource {
	if restartDelay == nil {
		restartDelay = DefaultRestartDelayStrategy{}
	}
	return &ReplicationSource{
		connString:      connString,
		slotName:        slotName,
		publicationName: publicationName,
		table:           table,
		processor:       processor,
		controller:      controller,
		restartDelay:    restartDelay,
		logLimiter:      newRestartLogLimiter(),
	}
}

func (r *ReplicationSource) replicationConnString() string {
	if strings.Contains(r.connString, "replication=") {
		return r.connString
	}
	if strings.Contains(r.connString, "?") {
		return r.connString + "&replication=database"
	}
	return r.connString + "?replication=database"
}

// Run subscribes and processes messages until ctx is cancelled or Stop is
// called. It blocks for the lifetime of the subscription, transparently
// reconnecting on recoverable errors; it returns only when shutdown is
// requested or consecutive failures exceed the supervisor's budget.
func (r *ReplicationSource) Run(ctx context.Context) error {
	r.mu.Lock()
	r.running = true
	r.stop = make(chan struct{})
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.controller.Cancel()
	}()

	consecutiveFailures := 0
	for {
		select {
		case <-r.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		err := r.runOnce(ctx)
		if err == nil || errors.Is(err, errReplicationStopped) {
			return nil
		}

		consecutiveFailures++
		if consecutiveFailures >= maxConsecutiveReplicationFailures {
			return newError(CodeDBError, "", fmt.Errorf("replication failed %d times consecutively, giving up: %w", consecutiveFailures, err))
		}

		delay := r.restartDelay.Delay(err)
		if r.logLimiter.Allow() {
			log.Error().Err(err).Dur("retry_in", delay).Int("consecutive_failures", consecutiveFailures).
				Msg("replication connection lost, reconnecting")
		}
		select {
		case <-time.After(delay):
		case <-r.stop:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop requests the replication loop to exit and returns without waiting
// for it to do so.
func (r *ReplicationSource) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stop := r.stop
	r.mu.Unlock()
	close(stop)
}

type relationInfo struct {
	namespace string
	name      string
	columns   []pglogrepl.RelationMessageColumn
}

type replicationState struct {
	lastReceivedLSN pglogrepl.LSN
	relations       map[uint32]*relationInfo
	typeMap         *pgtype.Map
	inStream        bool
	acker           *ackTracker
}

// ackTracker tracks which dispatched messages' WAL positions have finished
// processing, so the replication loop only ever reports a flush position
// the server may use to recycle WAL once every message up to and including
// it has actually been handled (spec §4.7) — never a position merely
// received off the wire. track is always called from the single reader
// goroutine in runOnce; complete is called from the per-message processing
// goroutines dispatch spawns, so it needs its own lock.
type ackTracker struct {
	mu        sync.Mutex
	pending   []pglogrepl.LSN
	completed map[pglogrepl.LSN]struct{}
	applied   pglogrepl.LSN
}

func newAckTracker(initial pglogrepl.LSN) *ackTracker {
	return &ackTracker{completed: map[pglogrepl.LSN]struct{}{}, applied: initial}
}

// track records a dispatched message's WAL position as outstanding.
func (t *ackTracker) track(lsn pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, lsn)
}

// complete marks lsn's processing as finished (successfully or via the
// error orchestrator) and advances the applied watermark through any
// contiguous run of completions at the front of the pending queue.
func (t *ackTracker) complete(lsn pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed[lsn] = struct{}{}
	for len(t.pending) > 0 {
		head := t.pending[0]
		if _, ok := t.completed[head]; !ok {
			break
		}
		delete(t.completed, head)
		t.pending = t.pending[1:]
		t.applied = head
	}
}

// flushPosition returns the LSN safe to report to the server: the applied
// watermark while messages are still in flight, or the received position
// once every dispatched message has completed (so a quiet connection's
// flush position still advances with its keepalives).
func (t *ackTracker) flushPosition(received pglogrepl.LSN) pglogrepl.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		if received > t.applied {
			t.applied = received
		}
	}
	return t.applied
}

func (r *ReplicationSource) runOnce(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, r.replicationConnString())
	if err != nil {
		return fmt.Errorf("connect for replication: %w", err)
	}
	defer conn.Close(context.Background())

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}

	pluginArguments := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", r.publicationName),
	}
	if err := pglogrepl.StartReplication(ctx, conn, r.slotName, sysident.XLogPos, pglogrepl.StartReplicationOptions{PluginArgs: pluginArguments}); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	log.Info().Str("slot", r.slotName).Str("publication", r.publicationName).Msg("logical replication started")

	state := &replicationState{
		lastReceivedLSN: sysident.XLogPos,
		relations:       map[uint32]*relationInfo{},
		typeMap:         pgtype.NewMap(),
		acker:           newAckTracker(sysident.XLogPos),
	}

	standbyTimeout := 10 * time.Second
	nextStandbyDeadline := time.Now().Add(standbyTimeout)

	for {
		select {
		case <-r.stop:
			return errReplicationStopped
		case <-ctx.Done():
			return errReplicationStopped
		default:
		}

		if time.Now().After(nextStandbyDeadline) {
			flushed := state.acker.flushPosition(state.lastReceivedLSN)
			if err := sendStandbyStatusUpdate(ctx, conn, state.lastReceivedLSN, flushed); err != nil {
				return fmt.Errorf("send standby status: %w", err)
			}
			nextStandbyDeadline = time.Now().Add(standbyTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyDeadline)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receive replication message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("received postgres WAL error: %+v", errMsg)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			state.lastReceivedLSN = pkm.ServerWALEnd
			if pkm.ReplyRequested {
				nextStandbyDeadline = time.Time{}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse XLogData: %w", err)
			}
			if err := r.handleXLogData(ctx, xld, state); err != nil {
				return err
			}
		}
	}
}

// sendStandbyStatusUpdate reports received as the write/apply position (what
// this session has read off the wire) and flushed as the flush position —
// the position the server is entitled to recycle WAL up to. They diverge
// whenever messages are still being processed (spec §4.7).
func sendStandbyStatusUpdate(ctx context.Context, conn *pgconn.PgConn, received, flushed pglogrepl.LSN) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: received,
		WALFlushPosition: flushed,
		WALApplyPosition: received,
	})
}

// handleXLogData decodes one pgoutput message. Only inserts against the
// configured table turn into Messages; everything else only advances the
// tracked WAL position.
func (r *ReplicationSource) handleXLogData(ctx context.Context, xld pglogrepl.XLogData, state *replicationState) error {
	state.lastReceivedLSN = xld.ServerWALEnd

	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("parse logical message: %w", err)
	}

	switch m := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		state.relations[m.RelationID] = &relationInfo{
			namespace: m.Namespace,
			name:      m.RelationName,
			columns:   m.Columns,
		}
	case *pglogrepl.InsertMessage:
		rel, ok := state.relations[m.RelationID]
		if !ok || rel.name != r.table.Table || (r.table.Schema != "" && rel.namespace != r.table.Schema) {
			return nil
		}
		msg, err := decodeInsertedMessage(state.typeMap, rel, m)
		if err != nil {
			return fmt.Errorf("decode inserted message: %w", err)
		}
		return r.dispatch(ctx, msg, xld.WALStart, state.acker)
	case *pglogrepl.StreamStartMessage:
		state.inStream = true
	case *pglogrepl.StreamStopMessage:
		state.inStream = false
	}
	return nil
}

// dispatch hands msg to the concurrency controller and, once a slot is
// acquired, tracks its WAL position as outstanding and only marks it
// complete — advancing the flush watermark runOnce reports upstream —
// after processor.Process has returned, whether it succeeded or the error
// orchestrator resolved it (retried or abandoned). A message whose slot
// acquisition itself fails is never tracked: it was never committed to
// processing, so the connection can safely redeliver it on reconnect.
func (r *ReplicationSource) dispatch(ctx context.Context, msg *Message, lsn pglogrepl.LSN, acker *ackTracker) error {
	release, err := r.controller.Acquire(ctx, msg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errReplicationStopped
		}
		return fmt.Errorf("acquire concurrency slot: %w", err)
	}
	acker.track(lsn)
	go func() {
		defer release()
		if err := r.processor.Process(ctx, msg); err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("message processing failed")
		}
		acker.complete(lsn)
	}()
	return nil
}

// decodeInsertedMessage maps a decoded pgoutput tuple for the outbox/inbox
// table onto a Message. Columns not present in the tuple (e.g. an optional
// segment column) are left at their zero value.
func decodeInsertedMessage(typeMap *pgtype.Map, rel *relationInfo, m *pglogrepl.InsertMessage) (*Message, error) {
	msg := &Message{}
	for idx, col := range m.Tuple.Columns {
		if idx >= len(rel.columns) {
			break
		}
		name := rel.columns[idx].Name
		text, err := decodeTextColumn(typeMap, col, rel.columns[idx].DataType)
		if err != nil {
			return nil, fmt.Errorf("decode column %q: %w", name, err)
		}
		if err := applyColumn(msg, name, text); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func decodeTextColumn(typeMap *pgtype.Map, col *pglogrepl.TupleDataColumn, oid uint32) (string, error) {
	switch col.DataType {
	case 'n':
		return "", nil
	case 'u':
		return "", nil
	case 't':
		if dt, ok := typeMap.TypeForOID(oid); ok {
			val, err := dt.Codec.DecodeValue(typeMap, oid, pgtype.TextFormatCode, col.Data)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%v", val), nil
		}
		return string(col.Data), nil
	default:
		return string(col.Data), nil
	}
}

func applyColumn(msg *Message, name, value string) error {
	switch name {
	case "id":
		msg.ID = value
	case "aggregate_type":
		msg.AggregateType = value
	case "aggregate_id":
		msg.AggregateID = value
	case "message_type":
		msg.MessageType = value
	case "segment":
		msg.Segment = value
	case "concurrency":
		msg.Concurrency = Concurrency(value)
	case "payload":
		msg.Payload = []byte(value)
	case "metadata":
		msg.Metadata = []byte(value)
	case "started_attempts":
		if value != "" {
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("parse started_attempts: %w", err)
			}
			msg.StartedAttempts = n
		}
	case "finished_attempts":
		if value != "" {
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("parse finished_attempts: %w", err)
			}
			msg.FinishedAttempts = n
		}
	case "created_at":
		if value != "" {
			t, err := time.Parse("2006-01-02 15:04:05.999999-07", value)
			if err != nil {
				t, err = time.Parse(time.RFC3339Nano, value)
				if err != nil {
					return fmt.Errorf("parse created_at: %w", err)
				}
			}
			msg.CreatedAt = t
		}
	}
	return nil
}

// isSlotInUseError reports whether err indicates the replication slot is
// already claimed by another session — PostgreSQL reports this as a plain
// ERROR (not a distinct SQLSTATE) with a message of the form
// "replication slot %q is active for PID %d". It drives the long restart
// delay in DefaultRestartDelayStrategy so a standby listener doesn't spin
// hot against a slot held by the active leader (spec §4.4/§4.7).
func isSlotInUseError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.Contains(pgErr.Message, "is active for PID")
	}
	return strings.Contains(err.Error(), "is active for PID")
}
