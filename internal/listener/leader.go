package listener

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// LeaderElector guards the replication slot in multi-instance deployments:
// at most one instance should hold the logical replication subscription
// at a time, since PostgreSQL itself only permits one active consumer per
// slot. It's a thin distributed lock over Redis (SET NX PX + periodic
// refresh), not a general-purpose consensus algorithm — the replication
// slot's own single-subscriber enforcement is the real safety net; this
// only avoids every standby instance hammering the slot and immediately
// failing the "slot in use" error on every poll.
type LeaderElector struct {
	client   *redis.Client
	lockName string
	holderID string
	ttl      time.Duration
	refresh  time.Duration

	isLeader atomic.Bool

	mu            sync.Mutex
	onBecomeLeader []func()
	onLoseLeadership []func()

	stop chan struct{}
}

// NewLeaderElector builds a leader elector for the named distributed
// lock. ttl defaults to 15s and refresh to ttl/3 if not supplied.
func NewLeaderElector(client *redis.Client, lockName string, ttl, refresh time.Duration) *LeaderElector {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if refresh <= 0 {
		refresh = ttl / 3
	}
	return &LeaderElector{
		client:   client,
		lockName: lockName,
		holderID: uuid.NewString(),
		ttl:      ttl,
		refresh:  refresh,
		stop:     make(chan struct{}),
	}
}

// OnBecomeLeader registers a callback invoked (synchronously, from the
// elector's own goroutine) whenever this instance acquires the lock.
func (e *LeaderElector) OnBecomeLeader(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onBecomeLeader = append(e.onBecomeLeader, fn)
}

// OnLoseLeadership registers a callback invoked whenever this instance
// loses the lock, whether voluntarily (Stop) or because a refresh failed.
func (e *LeaderElector) OnLoseLeadership(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLoseLeadership = append(e.onLoseLeadership, fn)
}

// IsLeader reports whether this instance currently holds the lock.
func (e *LeaderElector) IsLeader() bool {
	return e.isLeader.Load()
}

// Run attempts to acquire and then continuously refresh the lock until
// ctx is cancelled or Stop is called, retrying acquisition on every tick
// after a failed or lost attempt.
func (e *LeaderElector) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.refresh)
	defer ticker.Stop()

	for {
		if e.isLeader.Load() {
			if e.refreshLock(ctx) {
				// still leader
			} else {
				e.transitionToFollower()
			}
		} else {
			if e.tryAcquire(ctx) {
				e.transitionToLeader()
			}
		}

		select {
		case <-e.stop:
			e.release(ctx)
			return nil
		case <-ctx.Done():
			e.release(context.Background())
			return nil
		case <-ticker.C:
		}
	}
}

// Stop releases the lock (if held) and exits the election loop.
func (e *LeaderElector) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
}

func (e *LeaderElector) tryAcquire(ctx context.Context) bool {
	ok, err := e.client.SetNX(ctx, e.lockName, e.holderID, e.ttl).Result()
	if err != nil {
		log.Error().Err(err).Str("lock", e.lockName).Msg("leader election acquire failed")
		return false
	}
	return ok
}

func (e *LeaderElector) refreshLock(ctx context.Context) bool {
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	res, err := e.client.Eval(ctx, script, []string{e.lockName}, e.holderID, e.ttl.Milliseconds()).Result()
	if err != nil {
		log.Error().Err(err).Str("lock", e.lockName).Msg("leader election refresh failed")
		return false
	}
	n, ok := res.(int64)
	return ok && n == 1
}

func (e *LeaderElector) release(ctx context.Context) {
	if !e.isLeader.Load() {
		return
	}
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, _ = e.client.Eval(ctx, script, []string{e.lockName}, e.holderID).Result()
	e.transitionToFollower()
}

func (e *LeaderElector) transitionToLeader() {
	if e.isLeader.Swap(true) {
		return
	}
	log.Info().Str("lock", e.lockName).Str("holder", e.holderID).Msg("acquired leader election lock")
	e.mu.Lock()
	callbacks := append([]func(){}, e.onBecomeLeader...)
	e.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (e *LeaderElector) transitionToFollower() {
	if !e.isLeader.Swap(false) {
		return
	}
	log.Warn().Str("lock", e.lockName).Str("holder", e.holderID).Msg("lost leader election lock")
	e.mu.Lock()
	callbacks := append([]func(){}, e.onLoseLeadership...)
	e.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}
