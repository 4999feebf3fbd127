package membership

import (
	"context"
	"time"
)

// ObservationStore is the read-only view of the CRM's record store that the
// engine queries on every tick. Implementations must return attendance
// ordered by timestamp descending; the streak walk depends on it.
//
// Any connectivity failure must be reported by wrapping
// shared.ErrStoreUnavailable so the scheduler can classify the tick as
// transiently failed.
type ObservationStore interface {
	// ListStudents returns the roster of students the engine evaluates.
	ListStudents(ctx context.Context) ([]StudentRef, error)

	// ListAttendance returns a student's attendance records inside the
	// lookback window, newest first.
	ListAttendance(ctx context.Context, studentID StudentID, since time.Time) ([]AttendanceRecord, error)

	// ListSubscriptions returns all subscriptions whose stored flag is true,
	// joined with the owning student.
	ListSubscriptions(ctx context.Context) ([]SubscriptionView, error)

	// ListTrainingsIn returns trainings scheduled inside [from, to).
	ListTrainingsIn(ctx context.Context, from, to time.Time) ([]TrainingRecord, error)
}

// SubscriptionDeactivator is the single mutation the engine performs against
// the record store: transitioning a lapsed subscription's stored flag to
// inactive. It is invoked only by expiry cleanup dispatch.
type SubscriptionDeactivator interface {
	DeactivateSubscription(ctx context.Context, id SubscriptionID) error
}
