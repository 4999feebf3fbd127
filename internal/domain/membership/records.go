// Package membership contains the domain model of the academy's membership
// lifecycle: attendance, subscriptions, trainings, and the per-student state
// the engine derives from them on every tick.
//
// The engine never owns these records. Attendance, subscriptions, and
// trainings belong to the CRM's record store; this package only reads them
// and computes ephemeral derived state.
package membership

import (
	"time"

	"github.com/shopspring/decimal"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// StudentID identifies a student in the CRM.
type StudentID string

// IsValid reports whether the ID is non-empty.
func (id StudentID) IsValid() bool {
	return len(id) > 0
}

// String returns the string form of the ID.
func (id StudentID) String() string {
	return string(id)
}

// TrainingID identifies a scheduled training session.
type TrainingID string

// IsValid reports whether the ID is non-empty.
func (id TrainingID) IsValid() bool {
	return len(id) > 0
}

// String returns the string form of the ID.
func (id TrainingID) String() string {
	return string(id)
}

// SubscriptionID identifies a subscription record.
type SubscriptionID string

// IsValid reports whether the ID is non-empty.
func (id SubscriptionID) IsValid() bool {
	return len(id) > 0
}

// String returns the string form of the ID.
func (id SubscriptionID) String() string {
	return string(id)
}

// ══════════════════════════════════════════════════════════════════════════════
// ATTENDANCE
// ══════════════════════════════════════════════════════════════════════════════

// AttendanceStatus is the recorded outcome of a student at one training.
type AttendanceStatus string

const (
	// StatusPresent - the student attended the training.
	StatusPresent AttendanceStatus = "present"

	// StatusAbsent - the student missed the training without excuse.
	StatusAbsent AttendanceStatus = "absent"

	// StatusExcused - the student was absent with a valid excuse.
	StatusExcused AttendanceStatus = "excused"
)

// IsValid reports whether the status is one of the known values.
func (s AttendanceStatus) IsValid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusExcused:
		return true
	default:
		return false
	}
}

// ResetsStreak reports whether this status terminates a missed-class streak.
// Both Present and Excused reset; only uninterrupted Absent records count.
func (s AttendanceStatus) ResetsStreak() bool {
	return s == StatusPresent || s == StatusExcused
}

// AttendanceRecord is one immutable attendance mark, owned by the record
// store.
type AttendanceRecord struct {
	StudentID  StudentID
	TrainingID TrainingID
	Status     AttendanceStatus
	Timestamp  time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBSCRIPTIONS
// ══════════════════════════════════════════════════════════════════════════════

// SubscriptionRecord is a stored subscription, owned by the record store. The
// engine reads it and derives its own view of activity; it mutates the record
// only through the store's deactivation operation.
type SubscriptionRecord struct {
	ID        SubscriptionID
	StudentID StudentID
	Type      string
	Price     decimal.Decimal
	StartDate time.Time
	// EndDate is nil for open-ended subscriptions.
	EndDate *time.Time
	// Active is the stored flag. It may lag behind reality: an expired
	// subscription keeps Active=true until the expiry cleanup reconciles it.
	Active bool
}

// IsCurrentlyActive computes the derived activity view, independent of the
// stored flag except as an intersection: the stored flag must be true AND now
// must fall inside [StartDate, EndDate].
func (s SubscriptionRecord) IsCurrentlyActive(now time.Time) bool {
	if !s.Active {
		return false
	}
	if now.Before(s.StartDate) {
		return false
	}
	if s.EndDate != nil && now.After(*s.EndDate) {
		return false
	}
	return true
}

// NeedsExpiryCleanup reports whether the stored flag disagrees with the
// derived view: end date lapsed but the record still says active. These are
// the reconciliation candidates the expiry cleanup acts on.
func (s SubscriptionRecord) NeedsExpiryCleanup(now time.Time) bool {
	return s.Active && s.EndDate != nil && now.After(*s.EndDate)
}

// DaysUntilExpiry returns whole days until the end date, rounding partial
// days up so "expires tomorrow morning" still counts as one day. Open-ended
// subscriptions return -1.
func (s SubscriptionRecord) DaysUntilExpiry(now time.Time) int {
	if s.EndDate == nil {
		return -1
	}
	remaining := s.EndDate.Sub(now)
	if remaining < 0 {
		return 0
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// ══════════════════════════════════════════════════════════════════════════════
// TRAININGS & STUDENTS
// ══════════════════════════════════════════════════════════════════════════════

// TrainingRecord is a scheduled training session, read-only for the engine.
type TrainingRecord struct {
	ID            TrainingID
	ScheduledTime time.Time
	TrainerID     string
	TrainerName   string
}

// StudentRef is the minimal student projection the engine needs: identity
// plus the outbound channel address. Students without a linked chat are
// skipped at dispatch time and counted in the tick summary.
type StudentRef struct {
	ID             StudentID
	FirstName      string
	LastName       string
	TelegramChatID int64
}

// FullName returns the student's display name.
func (s StudentRef) FullName() string {
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// HasChat reports whether the student can receive outbound messages.
func (s StudentRef) HasChat() bool {
	return s.TelegramChatID != 0
}

// ══════════════════════════════════════════════════════════════════════════════
// DERIVED STATE
// ══════════════════════════════════════════════════════════════════════════════

// SubscriptionStatus is the derived activity classification of a student's
// subscription set.
type SubscriptionStatus string

const (
	// SubscriptionActive - at least one subscription is currently active.
	SubscriptionActive SubscriptionStatus = "active"

	// SubscriptionExpired - subscriptions exist but none is active now.
	SubscriptionExpired SubscriptionStatus = "expired"

	// SubscriptionNone - the student has no subscription records at all.
	SubscriptionNone SubscriptionStatus = "none"
)

// StudentDerivedState is the per-student evaluation result. It is ephemeral:
// recomputed on every tick and never persisted by the engine.
type StudentDerivedState struct {
	Student StudentRef

	// ConsecutiveMissed counts only the trailing run of Absent records with
	// no intervening Present or Excused record, newest first.
	ConsecutiveMissed int

	// StreakAnchor is the timestamp of the record that terminated the streak
	// walk (the most recent Present/Excused record). Zero when the walk
	// exhausted the history. It keys the missed-class streak epoch: a reset
	// and regrowth moves the anchor, which re-arms the notification.
	StreakAnchor time.Time

	// SubscriptionStatus is the derived view over the student's
	// subscriptions.
	SubscriptionStatus SubscriptionStatus

	// DaysUntilExpiry is the soonest expiry among currently active
	// subscriptions, -1 when no active subscription has an end date.
	DaysUntilExpiry int

	EvaluatedAt time.Time
}

// SubscriptionView pairs a stored subscription with the derived activity
// flag computed at evaluation time.
type SubscriptionView struct {
	Student      StudentRef
	Subscription SubscriptionRecord
	ActiveNow    bool
	EvaluatedAt  time.Time
}
