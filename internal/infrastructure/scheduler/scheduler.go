// Package scheduler drives the engine's periodic evaluation. It runs a single
// recurring tick with three states: Idle between ticks, Ticking while the
// pipeline runs, and Backoff after a whole-tick failure. Ticks never overlap
// and manual triggers coalesce with the schedule.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dojocrm/membership-engine/internal/domain/shared"
	"github.com/dojocrm/membership-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATE
// ══════════════════════════════════════════════════════════════════════════════

// State is the scheduler's current mode.
type State int

const (
	// StateIdle - waiting for the next scheduled tick.
	StateIdle State = iota
	// StateTicking - a tick is running. At most one at a time.
	StateTicking
	// StateBackoff - the last tick failed; waiting out the backoff delay.
	StateBackoff
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTicking:
		return "ticking"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Common errors.
var (
	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("scheduler: already running")
	// ErrNotRunning is returned when Stop is called before Start.
	ErrNotRunning = errors.New("scheduler: not running")
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// TickFunc is the unit of work the scheduler drives. A non-nil error marks
// the whole tick as failed and moves the scheduler into backoff.
type TickFunc func(ctx context.Context) error

// Config contains configuration for the Scheduler.
type Config struct {
	// Interval is the normal spacing between ticks.
	Interval time.Duration

	// BackoffInitial is the delay after the first consecutive failure.
	BackoffInitial time.Duration

	// BackoffMax caps the backoff delay however many ticks fail in a row.
	BackoffMax time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// OnStateChange is called when the scheduler changes state.
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		BackoffInitial: time.Minute,
		BackoffMax:     time.Hour,
		Logger:         slog.Default(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return shared.WrapError("scheduler", "Validate", shared.ErrConfigInvalid,
			"tick interval must be positive", nil)
	}
	if c.BackoffInitial <= 0 {
		return shared.WrapError("scheduler", "Validate", shared.ErrConfigInvalid,
			"initial backoff must be positive", nil)
	}
	if c.BackoffMax < c.BackoffInitial {
		return shared.WrapError("scheduler", "Validate", shared.ErrConfigInvalid,
			"max backoff must not be below initial backoff", nil)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Stats tracks the scheduler's lifetime counters.
type Stats struct {
	Ticks               int
	Failures            int
	ConsecutiveFailures int
	LastTickAt          time.Time
	LastError           string
}

// Scheduler runs one TickFunc on a fixed interval with failure backoff.
type Scheduler struct {
	config Config
	tick   TickFunc
	logger *slog.Logger

	// backoff produces the delay curve; only DelayFor is used, the
	// scheduler owns its own wait loop.
	backoff *retry.Retrier

	mu      sync.RWMutex
	state   State
	stats   Stats
	running bool

	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	trigger chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler around the given tick function.
func New(tick TickFunc, config Config) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	backoff := retry.New(
		retry.WithInitialDelay(config.BackoffInitial),
		retry.WithMaxDelay(config.BackoffMax),
		retry.WithMultiplier(2.0),
		retry.WithJitter(0.1),
	)

	return &Scheduler{
		config:  config,
		tick:    tick,
		logger:  config.Logger.With(slog.String("component", "scheduler")),
		backoff: backoff,
		state:   StateIdle,
		stopCh:  make(chan struct{}),
		trigger: make(chan struct{}, 1),
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start begins the tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		slog.Duration("interval", s.config.Interval),
		slog.Duration("backoff_max", s.config.BackoffMax))

	s.wg.Add(1)
	go s.runLoop()

	return nil
}

// Stop shuts the loop down gracefully: a tick already in flight is allowed to
// finish so its confirmed sends get recorded. Cancelling the context passed
// to Start instead aborts mid-tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.cancel()

	s.logger.Info("scheduler stopped")

	return nil
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Stats returns a snapshot of the lifetime counters.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// RunNow requests an immediate tick. Requests arriving while a tick is
// already pending or running coalesce into a single run.
func (s *Scheduler) RunNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// TICK LOOP
// ══════════════════════════════════════════════════════════════════════════════

// runLoop owns the timer. Exactly one goroutine runs ticks, so overlap is
// impossible by construction.
func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	// First tick fires immediately.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		delay := s.runTick()
		timer.Reset(delay)
	}
}

// runTick executes one tick and returns the delay until the next one.
func (s *Scheduler) runTick() time.Duration {
	s.setState(StateTicking)
	started := time.Now()

	err := s.tick(s.ctx)

	s.mu.Lock()
	s.stats.Ticks++
	s.stats.LastTickAt = started

	if err != nil {
		s.stats.Failures++
		s.stats.ConsecutiveFailures++
		s.stats.LastError = err.Error()
		failures := s.stats.ConsecutiveFailures
		s.mu.Unlock()

		delay := s.backoff.DelayFor(failures)
		s.setState(StateBackoff)

		s.logger.Error("tick failed, backing off",
			slog.Int("consecutive_failures", failures),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()))

		return delay
	}

	s.stats.ConsecutiveFailures = 0
	s.stats.LastError = ""
	s.mu.Unlock()

	s.setState(StateIdle)

	return s.config.Interval
}

// setState transitions to a new state and fires the hook.
func (s *Scheduler) setState(newState State) {
	s.mu.Lock()
	oldState := s.state
	s.state = newState
	s.mu.Unlock()

	if oldState != newState && s.config.OnStateChange != nil {
		s.config.OnStateChange(oldState, newState)
	}
}
