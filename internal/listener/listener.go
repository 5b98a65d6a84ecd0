package listener

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/flowcatalyst/pg-outbox-listener/internal/config"
)

// Listener wires every component (C1-C9) into one runnable unit: exactly
// one acquisition source (replication or polling), an optional cleanup
// scheduler, and an optional leader elector guarding the replication slot
// in multi-instance deployments. Construction validates configuration and
// the handler registry; Start/Shutdown are the only two lifecycle calls a
// caller needs.
type Listener struct {
	settings *config.Settings
	db       *sql.DB

	processor  *Processor
	controller ConcurrencyController

	replication *ReplicationSource
	polling     *PollingSource
	cleanup     *CleanupScheduler
	leader      *LeaderElector

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Options carries everything beyond the flat Settings a caller must
// supply to construct a Listener: the handler registry and any strategy
// overrides. Nil strategy fields fall back to the specification's
// defaults.
type Options struct {
	Registry *Registry

	Timeout    TimeoutStrategy
	Isolation  IsolationStrategy
	Retry      RetryStrategy
	Poisonous  PoisonousRetryStrategy
	NotFound   NotFoundRetryStrategy
	BatchSize  BatchSizeStrategy
	RestartDelay RestartDelayStrategy

	// Controller overrides the default sequential concurrency
	// controller used by replication mode.
	Controller ConcurrencyController

	// RedisClient enables leader election when LeaderElectionEnabled is
	// set in Settings.
	RedisClient *redis.Client
}

// New constructs a Listener. It validates the registry and settings but
// performs no I/O — the database pool is supplied by the caller (via
// internal/dbpool) so that connection lifecycle stays outside this
// package, matching the corpus's convention of wiring dependencies in
// main and passing concrete resources in.
func New(settings *config.Settings, db *sql.DB, opts Options) (*Listener, error) {
	if opts.Registry == nil {
		return nil, newError(CodeNoHandlerRegistered, "", fmt.Errorf("listener: Options.Registry is required"))
	}

	table := TableRef{Schema: settings.DBSchema, Table: settings.DBTable}
	accessor := NewAccessor(table)
	txRunner := NewTxRunner(db)

	timeout := opts.Timeout
	if timeout == nil {
		timeout = FixedTimeoutStrategy{Duration: settings.MessageProcessingTimeout}
	}
	isolation := opts.Isolation
	if isolation == nil {
		isolation = UnsetIsolationStrategy{}
	}
	retry := opts.Retry
	if retry == nil {
		retry = DefaultRetryStrategy{
			MaxAttempts:                 settings.MaxAttempts,
			EnableMaxAttemptsProtection: settings.EnableMaxAttemptsProtection,
		}
	}
	poisonous := opts.Poisonous
	if poisonous == nil {
		poisonous = DefaultPoisonousRetryStrategy{MaxPoisonousAttempts: settings.MaxPoisonousAttempts}
	}
	notFound := opts.NotFound
	if notFound == nil {
		notFound = DefaultNotFoundRetryStrategy{
			MaxAttempts: settings.MaxMessageNotFoundAttempts,
			Delay:       settings.MaxMessageNotFoundDelay,
		}
	}
	batchSize := opts.BatchSize
	if batchSize == nil {
		batchSize = &RampingBatchSizeStrategy{Max: settings.NextMessagesBatchSize}
	}
	restartDelay := opts.RestartDelay
	if restartDelay == nil {
		restartDelay = DefaultRestartDelayStrategy{
			Normal:    settings.RestartDelay,
			SlotInUse: settings.RestartDelaySlotInUse,
		}
	}
	controller := opts.Controller
	if controller == nil {
		controller = NewSequentialController()
	}

	orchestrator := NewErrorOrchestrator(accessor, txRunner, retry)
	// The started-attempts bump is the replication path's own crash-detection
	// mechanism (spec §4.7) and runs unconditionally there; a polling-fed
	// processor never bumps itself since next_<table>_messages() already did
	// (spec §4.8). The poisonous-abandon check itself stays governed by the
	// EnablePoisonousMessageProtection setting for both sources.
	bumpStartedAttempts := settings.Mode == config.AcquisitionReplication
	processor := NewProcessor(accessor, txRunner, opts.Registry, orchestrator, timeout, isolation, notFound, poisonous, retry,
		bumpStartedAttempts, settings.EnablePoisonousMessageProtection)

	l := &Listener{
		settings:   settings,
		db:         db,
		processor:  processor,
		controller: controller,
	}

	switch settings.Mode {
	case config.AcquisitionReplication:
		l.replication = NewReplicationSource(settings.DatabaseURL, settings.DBReplicationSlot, settings.DBPublication, table, processor, controller, restartDelay)
	case config.AcquisitionPolling:
		maxInFlight := settings.NextMessagesBatchSize * 4
		l.polling = NewPollingSource(db, table, processor, settings.NextMessagesPollingInterval, batchSize, maxInFlight)
	default:
		return nil, fmt.Errorf("listener: unknown acquisition mode %q", settings.Mode)
	}

	if settings.MessageCleanupInterval > 0 {
		cleanup := NewCleanupScheduler(db, table, settings.MessageCleanupInterval,
			settings.MessageCleanupProcessedAfter, settings.MessageCleanupAbandonedAfter, settings.MessageCleanupAllAfter)
		if cleanup.Enabled() {
			l.cleanup = cleanup
		}
	}

	if settings.LeaderElectionEnabled && opts.RedisClient != nil && l.replication != nil {
		l.leader = NewLeaderElector(opts.RedisClient, settings.LeaderLockName, settings.LeaderTTL, settings.LeaderRefreshInterval)
	}

	return l, nil
}

// Start launches every configured component's background loop and
// returns immediately; use Shutdown to stop them.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("listener: already started")
	}
	l.started = true
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	if l.leader != nil {
		var active bool
		var activeMu sync.Mutex
		l.leader.OnBecomeLeader(func() {
			activeMu.Lock()
			defer activeMu.Unlock()
			if active {
				return
			}
			active = true
			l.runComponent(func() error { return l.replication.Run(runCtx) })
		})
		l.leader.OnLoseLeadership(func() {
			activeMu.Lock()
			defer activeMu.Unlock()
			active = false
			l.replication.Stop()
		})
		l.runComponent(func() error { return l.leader.Run(runCtx) })
	} else if l.replication != nil {
		l.runComponent(func() error { return l.replication.Run(runCtx) })
	}

	if l.polling != nil {
		l.runComponent(func() error { return l.polling.Run(runCtx) })
	}
	if l.cleanup != nil {
		l.runComponent(func() error { return l.cleanup.Run(runCtx) })
	}

	log.Info().Str("table", l.settings.DBTable).Str("mode", string(l.settings.Mode)).Msg("listener started")
	return nil
}

func (l *Listener) runComponent(fn func() error) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := fn(); err != nil {
			log.Error().Err(err).Msg("listener component exited with error")
		}
	}()
}

// Shutdown stops every component, cancels the concurrency controller
// (draining acquired leases), and waits up to the given timeout for
// in-flight work to finish. Idempotent.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.stopOnce.Do(func() {
		if l.replication != nil {
			l.replication.Stop()
		}
		if l.polling != nil {
			l.polling.Stop()
		}
		if l.cleanup != nil {
			l.cleanup.Stop()
		}
		if l.leader != nil {
			l.leader.Stop()
		}
		l.controller.Cancel()
		if l.cancel != nil {
			l.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("listener: shutdown timed out waiting for components to stop")
	case <-time.After(30 * time.Second):
		return fmt.Errorf("listener: shutdown timed out after 30s")
	}
}
