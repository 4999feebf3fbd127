package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dojocrm/membership-engine/internal/domain/membership"
	"github.com/dojocrm/membership-engine/internal/domain/notification"
	"github.com/dojocrm/membership-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds the engine's pipeline settings.
type Config struct {
	// DispatchWorkers bounds the number of concurrent dispatches per tick.
	DispatchWorkers int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DispatchWorkers: 4,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DispatchWorkers < 1 {
		return shared.WrapError("engine", "Validate", shared.ErrConfigInvalid,
			"dispatch workers must be at least 1", nil)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TICK SUMMARY
// ══════════════════════════════════════════════════════════════════════════════

// TickSummary is the per-tick accounting the engine reports.
type TickSummary struct {
	// Attempted counts intents that passed the dedup filter and were handed
	// to the dispatcher.
	Attempted int

	// Sent counts confirmed deliveries and store corrections.
	Sent int

	// Failed counts dispatch attempts that errored. They left no ledger
	// entry and will be retried next tick.
	Failed int

	// Deduped counts intents suppressed by an existing ledger entry.
	Deduped int

	// Skipped counts intents that could not be delivered at all (recipient
	// without a chat) plus intents that failed validation.
	Skipped int

	// Duration is the wall time of the whole tick.
	Duration time.Duration
}

// String returns a compact form for logging.
func (s TickSummary) String() string {
	return fmt.Sprintf("attempted=%d sent=%d failed=%d deduped=%d skipped=%d duration=%s",
		s.Attempted, s.Sent, s.Failed, s.Deduped, s.Skipped, s.Duration)
}

// Stats accumulates tick summaries across the engine's lifetime.
type Stats struct {
	mu         sync.Mutex
	TotalTicks int
	TotalSent  int
	TotalFail  int
	LastTickAt time.Time
	LastTick   TickSummary
}

func (s *Stats) record(summary TickSummary, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalTicks++
	s.TotalSent += summary.Sent
	s.TotalFail += summary.Failed
	s.LastTickAt = at
	s.LastTick = summary
}

// Snapshot returns a copy of the accumulated stats.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalTicks: s.TotalTicks,
		TotalSent:  s.TotalSent,
		TotalFail:  s.TotalFail,
		LastTickAt: s.LastTickAt,
		LastTick:   s.LastTick,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// Engine runs the evaluation pipeline: re-derive membership state from the
// observation store, decide intents, filter against the dedup ledger,
// dispatch, and record confirmed sends.
type Engine struct {
	evaluator  *membership.StateEvaluator
	policy     *notification.ThresholdPolicy
	ledger     notification.Ledger
	dispatcher *Dispatcher
	bus        shared.EventPublisher
	config     Config
	logger     *slog.Logger
	stats      Stats

	now func() time.Time
}

// New creates an Engine. The event bus is optional; a nil bus disables event
// publication.
func New(
	evaluator *membership.StateEvaluator,
	policy *notification.ThresholdPolicy,
	ledger notification.Ledger,
	dispatcher *Dispatcher,
	bus shared.EventPublisher,
	config Config,
	logger *slog.Logger,
) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		evaluator:  evaluator,
		policy:     policy,
		ledger:     ledger,
		dispatcher: dispatcher,
		bus:        bus,
		config:     config,
		logger:     logger.With(slog.String("component", "engine")),
		now:        time.Now,
	}, nil
}

// Stats returns the engine's accumulated counters.
func (e *Engine) Stats() Stats {
	return e.stats.Snapshot()
}

// RunTick executes one full evaluation cycle. A returned error means the tick
// failed as a whole (the observation store or ledger was unreachable, or every
// dispatch in the tick failed) and the scheduler should back off; isolated
// dispatch failures are absorbed into the summary instead.
func (e *Engine) RunTick(ctx context.Context) (TickSummary, error) {
	start := e.now()
	var summary TickSummary

	roster, err := e.evaluator.Roster(ctx)
	if err != nil {
		return summary, e.tickFailed(err)
	}

	views, err := e.evaluator.EvaluateSubscriptions(ctx)
	if err != nil {
		return summary, e.tickFailed(err)
	}

	trainings, err := e.evaluator.UpcomingTrainings(ctx)
	if err != nil {
		return summary, e.tickFailed(err)
	}

	states := make([]membership.StudentDerivedState, 0, len(roster))
	for _, student := range roster {
		state, err := e.evaluator.Evaluate(ctx, student)
		if err != nil {
			return summary, e.tickFailed(err)
		}
		membership.FoldSubscriptionState(&state, views)
		states = append(states, state)
	}

	intents := e.policy.DeriveIntents(states, views, trainings)

	pending := make([]notification.Intent, 0, len(intents))
	for _, intent := range intents {
		if err := intent.Validate(); err != nil {
			summary.Skipped++
			e.logger.Warn("dropping invalid intent",
				slog.String("intent", intent.String()),
				slog.String("error", err.Error()))
			continue
		}

		sent, err := e.ledger.AlreadySent(ctx, intent.DedupKey())
		if err != nil {
			return summary, e.tickFailed(shared.WrapError("engine", "RunTick",
				shared.ErrStoreUnavailable, "ledger lookup", err))
		}
		if sent {
			summary.Deduped++
			continue
		}

		pending = append(pending, intent)
	}

	summary.Attempted = len(pending)

	for _, res := range e.dispatchAll(ctx, pending) {
		switch res.outcome {
		case OutcomeSent:
			summary.Sent++
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeFailed:
			summary.Failed++
			e.logger.Warn("dispatch failed",
				slog.String("intent", res.intent.String()),
				slog.String("error", res.err.Error()))
		}
	}

	summary.Duration = e.now().Sub(start)
	e.stats.record(summary, start)

	// Every single dispatch failing means the outbound channel is down, not
	// that individual sends were unlucky. Surfaced as a tick-level failure so
	// the scheduler backs off instead of retrying at normal cadence.
	if summary.Attempted > 0 && summary.Failed == summary.Attempted {
		return summary, e.tickFailed(shared.WrapError("engine", "RunTick",
			shared.ErrDispatchFailed,
			fmt.Sprintf("all %d dispatches failed", summary.Attempted), nil))
	}

	e.publish(shared.NewTickCompletedEvent(
		summary.Attempted, summary.Sent, summary.Failed, summary.Deduped, summary.Duration))

	e.logger.Info("tick completed", slog.String("summary", summary.String()))

	return summary, nil
}

// dispatchResult pairs an intent with what happened to it.
type dispatchResult struct {
	intent  notification.Intent
	outcome Outcome
	err     error
}

// dispatchAll fans pending intents out over a bounded worker pool. Each
// worker dispatches, records the ledger entry on confirmed sends, and
// publishes the per-intent event.
func (e *Engine) dispatchAll(ctx context.Context, pending []notification.Intent) []dispatchResult {
	if len(pending) == 0 {
		return nil
	}

	workers := e.config.DispatchWorkers
	if workers > len(pending) {
		workers = len(pending)
	}

	jobs := make(chan notification.Intent)
	results := make(chan dispatchResult, len(pending))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for intent := range jobs {
				outcome, err := e.dispatchOne(ctx, intent)
				results <- dispatchResult{intent: intent, outcome: outcome, err: err}
			}
		}()
	}

	for _, intent := range pending {
		jobs <- intent
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]dispatchResult, 0, len(pending))
	for res := range results {
		out = append(out, res)
	}
	return out
}

// dispatchOne runs the dispatch-then-record sequence for a single intent. The
// ledger entry is written only after the dispatcher confirmed the effect; a
// crash between the two leaves no entry and the intent is re-dispatched next
// tick, which is the accepted failure mode.
func (e *Engine) dispatchOne(ctx context.Context, intent notification.Intent) (Outcome, error) {
	outcome, err := e.dispatcher.Dispatch(ctx, intent)
	if outcome != OutcomeSent {
		if outcome == OutcomeFailed {
			e.publish(shared.NewNotificationFailedEvent(
				intent.Kind.String(),
				intent.RecipientID.String(),
				intent.SubjectID,
				err.Error()))
		}
		return outcome, err
	}

	if recErr := e.ledger.Record(ctx, intent.DedupKey(), e.now()); recErr != nil {
		if errors.Is(recErr, notification.ErrDuplicateEntry) {
			// A concurrent recorder won the race; the send is still confirmed.
			e.logger.Debug("ledger entry already recorded",
				slog.String("intent", intent.String()))
		} else {
			// Sent but not recorded: next tick may resend. Logged loudly, and
			// the tick keeps going.
			e.logger.Error("failed to record dedup entry after send",
				slog.String("intent", intent.String()),
				slog.String("error", recErr.Error()))
		}
	}

	e.publishDispatched(intent)

	return OutcomeSent, nil
}

// publishDispatched emits the per-intent success event.
func (e *Engine) publishDispatched(intent notification.Intent) {
	if intent.Kind == notification.KindExpiryCleanup {
		sub := intent.Payload.Subscription
		if sub != nil && sub.EndDate != nil {
			e.publish(shared.NewSubscriptionExpiredEvent(
				sub.ID.String(), intent.RecipientID.String(), *sub.EndDate))
		}
		return
	}

	e.publish(shared.NewNotificationDispatchedEvent(
		intent.Kind.String(),
		intent.RecipientID.String(),
		intent.SubjectID,
		intent.PeriodKey.String()))
}

// tickFailed publishes the failure event and passes the error through.
func (e *Engine) tickFailed(err error) error {
	e.publish(shared.NewTickFailedEvent(err.Error()))
	return err
}

// publish sends an event to the bus, if one is configured. Publication
// failures never affect the pipeline.
func (e *Engine) publish(event shared.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(event); err != nil {
		e.logger.Warn("event publish failed",
			slog.String("event", string(event.EventType())),
			slog.String("error", err.Error()))
	}
}
