package membership

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dojocrm/membership-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATE EVALUATOR
// ══════════════════════════════════════════════════════════════════════════════

// EvaluatorConfig contains the thresholds the evaluator works with.
type EvaluatorConfig struct {
	// AttendanceLookback bounds how far back the streak walk reads. The
	// original system used 30 days.
	AttendanceLookback time.Duration

	// ReminderWindow is how far ahead upcoming trainings are collected.
	ReminderWindow time.Duration
}

// DefaultEvaluatorConfig returns sensible defaults.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		AttendanceLookback: 30 * 24 * time.Hour,
		ReminderWindow:     2 * time.Hour,
	}
}

// Validate checks the configuration.
func (c EvaluatorConfig) Validate() error {
	if c.AttendanceLookback <= 0 {
		return shared.WrapError("membership", "Validate", shared.ErrConfigInvalid,
			"attendance lookback must be positive", nil)
	}
	if c.ReminderWindow <= 0 {
		return shared.WrapError("membership", "Validate", shared.ErrConfigInvalid,
			"reminder window must be positive", nil)
	}
	return nil
}

// StateEvaluator re-derives per-student lifecycle state from raw records on
// every tick. It holds no state of its own between ticks.
type StateEvaluator struct {
	store  ObservationStore
	config EvaluatorConfig

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewStateEvaluator creates a StateEvaluator over the given store.
func NewStateEvaluator(store ObservationStore, config EvaluatorConfig) *StateEvaluator {
	return &StateEvaluator{
		store:  store,
		config: config,
		now:    time.Now,
	}
}

// WithClock overrides the evaluator's clock. Intended for tests.
func (e *StateEvaluator) WithClock(now func() time.Time) *StateEvaluator {
	e.now = now
	return e
}

// Evaluate derives the current state for a single student.
func (e *StateEvaluator) Evaluate(ctx context.Context, student StudentRef) (StudentDerivedState, error) {
	now := e.now()

	records, err := e.store.ListAttendance(ctx, student.ID, now.Add(-e.config.AttendanceLookback))
	if err != nil {
		return StudentDerivedState{}, shared.WrapError("membership", "Evaluate",
			shared.ErrStoreUnavailable, fmt.Sprintf("list attendance for %s", student.ID), err)
	}

	missed, anchor := missedStreak(records)

	state := StudentDerivedState{
		Student:            student,
		ConsecutiveMissed:  missed,
		StreakAnchor:       anchor,
		SubscriptionStatus: SubscriptionNone,
		DaysUntilExpiry:    -1,
		EvaluatedAt:        now,
	}

	return state, nil
}

// missedStreak walks attendance newest-first and counts the trailing run of
// Absent records. The walk stops at the first Present or Excused record; its
// timestamp anchors the streak epoch. A student with no history has streak 0.
func missedStreak(records []AttendanceRecord) (int, time.Time) {
	// The walk requires newest-first order; re-sort locally instead of
	// trusting the store's ORDER BY.
	ordered := make([]AttendanceRecord, len(records))
	copy(ordered, records)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.After(ordered[j].Timestamp)
	})

	missed := 0
	for _, rec := range ordered {
		if rec.Status.ResetsStreak() {
			return missed, rec.Timestamp
		}
		if rec.Status == StatusAbsent {
			missed++
		}
	}
	return missed, time.Time{}
}

// EvaluateSubscriptions returns every stored-active subscription together
// with its derived activity flag. Records whose end date lapsed while the
// flag stayed true come back with ActiveNow=false; those are the expiry
// cleanup candidates.
func (e *StateEvaluator) EvaluateSubscriptions(ctx context.Context) ([]SubscriptionView, error) {
	now := e.now()

	views, err := e.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, shared.WrapError("membership", "EvaluateSubscriptions",
			shared.ErrStoreUnavailable, "list subscriptions", err)
	}

	for i := range views {
		views[i].ActiveNow = views[i].Subscription.IsCurrentlyActive(now)
		views[i].EvaluatedAt = now
	}

	return views, nil
}

// UpcomingTrainings returns trainings scheduled inside [now, now+window).
// Every qualifying training is returned on every tick until it starts;
// once-per-training delivery is the dedup ledger's job, not the evaluator's.
func (e *StateEvaluator) UpcomingTrainings(ctx context.Context) ([]TrainingRecord, error) {
	now := e.now()

	trainings, err := e.store.ListTrainingsIn(ctx, now, now.Add(e.config.ReminderWindow))
	if err != nil {
		return nil, shared.WrapError("membership", "UpcomingTrainings",
			shared.ErrStoreUnavailable, "list trainings", err)
	}

	return trainings, nil
}

// Roster returns the students to evaluate this tick.
func (e *StateEvaluator) Roster(ctx context.Context) ([]StudentRef, error) {
	students, err := e.store.ListStudents(ctx)
	if err != nil {
		return nil, shared.WrapError("membership", "Roster",
			shared.ErrStoreUnavailable, "list students", err)
	}
	return students, nil
}

// FoldSubscriptionState merges a student's subscription views into the
// derived state: overall status plus the soonest expiry among active ones.
func FoldSubscriptionState(state *StudentDerivedState, views []SubscriptionView) {
	state.SubscriptionStatus = SubscriptionNone
	soonest := -1
	for _, v := range views {
		if v.Subscription.StudentID != state.Student.ID {
			continue
		}
		if !v.ActiveNow {
			if state.SubscriptionStatus == SubscriptionNone {
				state.SubscriptionStatus = SubscriptionExpired
			}
			continue
		}
		state.SubscriptionStatus = SubscriptionActive
		days := v.Subscription.DaysUntilExpiry(state.EvaluatedAt)
		if days < 0 {
			continue
		}
		if soonest < 0 || days < soonest {
			soonest = days
		}
	}
	state.DaysUntilExpiry = soonest
}
