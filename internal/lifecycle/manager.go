// Package lifecycle orchestrates graceful shutdown of the listener
// process in dependency order: stop accepting HTTP traffic, drain
// in-flight outbox/inbox processing, release any leader-election lock,
// then close the database pool.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ShutdownPhase orders hooks so dependents stop before their dependencies.
type ShutdownPhase int

const (
	// PhaseHTTP stops accepting new HTTP requests and drains in-flight ones.
	PhaseHTTP ShutdownPhase = iota
	// PhaseWorkers stops the listener's acquisition sources and waits for
	// in-flight message handlers to finish.
	PhaseWorkers
	// PhaseLeader releases any held leader-election lock.
	PhaseLeader
	// PhaseDatabase closes the database connection pool.
	PhaseDatabase
	// PhaseFinal runs after every other phase, for last-chance cleanup.
	PhaseFinal
)

// ShutdownHook is a single named unit of work to run during a phase.
type ShutdownHook struct {
	Name     string
	Phase    ShutdownPhase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager orchestrates graceful shutdown across registered hooks.
type Manager struct {
	mu              sync.Mutex
	hooks           []ShutdownHook
	shutdownTimeout time.Duration
	done            chan struct{}
	once            sync.Once
}

// NewManager returns a Manager with a 30s overall shutdown budget.
func NewManager() *Manager {
	return &Manager{
		hooks:           make([]ShutdownHook, 0),
		shutdownTimeout: 30 * time.Second,
		done:            make(chan struct{}),
	}
}

// SetShutdownTimeout overrides the overall shutdown budget.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}

// RegisterHook adds a shutdown hook, defaulting its per-hook timeout to 10s.
func (m *Manager) RegisterHook(hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	m.hooks = append(m.hooks, hook)
}

// RegisterHTTPShutdown registers an HTTP server shutdown hook.
func (m *Manager) RegisterHTTPShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseHTTP, Timeout: 15 * time.Second, Shutdown: shutdown})
}

// RegisterWorkerShutdown registers a listener/worker shutdown hook.
func (m *Manager) RegisterWorkerShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseWorkers, Timeout: 30 * time.Second, Shutdown: shutdown})
}

// RegisterLeaderShutdown registers a leader-election release hook.
func (m *Manager) RegisterLeaderShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseLeader, Timeout: 5 * time.Second, Shutdown: shutdown})
}

// RegisterDatabaseShutdown registers a database pool close hook.
func (m *Manager) RegisterDatabaseShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseDatabase, Timeout: 10 * time.Second, Shutdown: shutdown})
}

// WaitForSignal blocks until SIGINT/SIGTERM arrives or Shutdown is called
// programmatically.
func (m *Manager) WaitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-m.done:
		log.Info().Msg("shutdown triggered programmatically")
	}
}

// Shutdown triggers WaitForSignal's alternate path; idempotent.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.done)
	})
}

// Execute runs every registered hook, phase by phase; the hooks of one
// phase run in parallel. Returns the overall shutdown context's error if
// the shutdown budget runs out; a hook that fails or exceeds its own
// timeout is only logged.
func (m *Manager) Execute() error {
	m.mu.Lock()
	hooks := make([]ShutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	timeout := m.shutdownTimeout
	m.mu.Unlock()

	log.Info().Int("hooks", len(hooks)).Dur("timeout", timeout).Msg("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	phaseHooks := make(map[ShutdownPhase][]ShutdownHook)
	for _, hook := range hooks {
		phaseHooks[hook.Phase] = append(phaseHooks[hook.Phase], hook)
	}

	phases := []ShutdownPhase{PhaseHTTP, PhaseWorkers, PhaseLeader, PhaseDatabase, PhaseFinal}

	for _, phase := range phases {
		if len(phaseHooks[phase]) == 0 {
			continue
		}

		log.Info().Int("phase", int(phase)).Int("hooks", len(phaseHooks[phase])).Msg("executing shutdown phase")

		var wg sync.WaitGroup
		for _, hook := range phaseHooks[phase] {
			wg.Add(1)
			go func(h ShutdownHook) {
				defer wg.Done()
				m.executeHook(ctx, h)
			}(hook)
		}
		wg.Wait()

		if ctx.Err() != nil {
			log.Warn().Msg("shutdown timeout reached, forcing exit")
			return ctx.Err()
		}
	}

	log.Info().Msg("graceful shutdown completed")
	return nil
}

func (m *Manager) executeHook(parentCtx context.Context, hook ShutdownHook) {
	ctx, cancel := context.WithTimeout(parentCtx, hook.Timeout)
	defer cancel()

	log.Debug().Str("hook", hook.Name).Dur("timeout", hook.Timeout).Msg("executing shutdown hook")

	errCh := make(chan error, 1)
	go func() {
		errCh <- hook.Shutdown(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Str("hook", hook.Name).Msg("shutdown hook failed")
		} else {
			log.Debug().Str("hook", hook.Name).Msg("shutdown hook completed")
		}
	case <-ctx.Done():
		log.Warn().Str("hook", hook.Name).Msg("shutdown hook timed out")
	}
}

// Run blocks for a shutdown signal, then executes every registered hook.
func (m *Manager) Run() error {
	m.WaitForSignal()
	return m.Execute()
}
