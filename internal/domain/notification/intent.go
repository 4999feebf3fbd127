// Package notification contains the engine's decision model: notification
// intents derived from membership state, the threshold policy that produces
// them, and the dedup ledger that guarantees at-most-once delivery per
// period.
package notification

import (
	"fmt"
	"time"

	"github.com/dojocrm/membership-engine/internal/domain/membership"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Kind identifies what a notification intent is about.
type Kind string

const (
	// KindMissedClasses - the student crossed the consecutive-missed
	// threshold.
	KindMissedClasses Kind = "missed_classes"

	// KindTrainingReminder - a training starts inside the reminder window.
	KindTrainingReminder Kind = "training_reminder"

	// KindPaymentReminder - a subscription expires inside the payment lead
	// time.
	KindPaymentReminder Kind = "payment_reminder"

	// KindExpiryCleanup - a lapsed subscription still carries the stored
	// active flag. Maintenance intent: delivery is a store correction, not a
	// message.
	KindExpiryCleanup Kind = "expiry_cleanup"
)

// IsValid reports whether the kind is one of the known values.
func (k Kind) IsValid() bool {
	switch k {
	case KindMissedClasses, KindTrainingReminder, KindPaymentReminder, KindExpiryCleanup:
		return true
	default:
		return false
	}
}

// String returns the string form of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsOutbound reports whether dispatching this kind sends a message through
// the outbound channel. ExpiryCleanup instead corrects the record store.
func (k Kind) IsOutbound() bool {
	return k != KindExpiryCleanup
}

// PeriodKey scopes deduplication: two intents with equal
// (recipient, kind, subject, period) are the same notification.
type PeriodKey string

// IsValid reports whether the key is non-empty.
func (p PeriodKey) IsValid() bool {
	return len(p) > 0
}

// String returns the string form of the key.
func (p PeriodKey) String() string {
	return string(p)
}

// streakGenesis keys the epoch of students whose attendance history contains
// no Present/Excused record at all.
const streakGenesis = "genesis"

// StreakEpochKey derives the missed-class period key from the streak anchor:
// the timestamp of the most recent Present/Excused record. When the streak
// resets and regrows, the anchor moves, so the same student becomes
// notifiable again with a fresh key.
//
// An unbroken absence that outlives the attendance lookback loses its anchor:
// the key falls back to genesis and one more alert goes out for the
// still-absent student, roughly a month after the first.
func StreakEpochKey(anchor time.Time) PeriodKey {
	if anchor.IsZero() {
		return streakGenesis
	}
	return PeriodKey("epoch:" + anchor.UTC().Format(time.RFC3339))
}

// TrainingPeriodKey derives the reminder period key: one reminder per
// training per recipient, regardless of how many ticks see it coming up.
func TrainingPeriodKey(id membership.TrainingID) PeriodKey {
	return PeriodKey("training:" + id.String())
}

// ExpiryCycleKey derives the payment reminder / expiry cleanup period key
// from the subscription's end date. A renewal moves the end date and opens a
// new cycle.
func ExpiryCycleKey(endDate time.Time) PeriodKey {
	return PeriodKey("cycle:" + endDate.UTC().Format("2006-01-02"))
}

// ══════════════════════════════════════════════════════════════════════════════
// INTENT
// ══════════════════════════════════════════════════════════════════════════════

// Payload carries the typed parameters the dispatcher renders into a
// message.
type Payload struct {
	Student membership.StudentRef `json:"student"`

	// MissedClasses
	MissedCount int `json:"missed_count,omitempty"`

	// TrainingReminder
	Training *membership.TrainingRecord `json:"training,omitempty"`

	// PaymentReminder / ExpiryCleanup
	Subscription *membership.SubscriptionRecord `json:"subscription,omitempty"`
	DaysLeft     int                            `json:"days_left,omitempty"`
}

// Intent is a decided-but-not-yet-delivered notification or state
// correction. Intents live for the duration of one tick.
type Intent struct {
	Kind Kind

	// RecipientID is the student the notification concerns (and, for
	// outbound kinds, the one who receives the message).
	RecipientID membership.StudentID

	// SubjectID distinguishes what the notification is about within the
	// kind: a training ID, a subscription ID, or the student themselves.
	SubjectID string

	PeriodKey PeriodKey
	Payload   Payload
}

// Validate checks the intent's invariants.
func (i Intent) Validate() error {
	if !i.Kind.IsValid() {
		return fmt.Errorf("intent kind %q: %w", i.Kind, ErrInvalidKind)
	}
	if !i.RecipientID.IsValid() {
		return ErrMissingRecipient
	}
	if i.SubjectID == "" {
		return ErrMissingSubject
	}
	if !i.PeriodKey.IsValid() {
		return ErrMissingPeriodKey
	}
	return nil
}

// DedupKey returns the ledger key tuple for this intent.
func (i Intent) DedupKey() DedupKey {
	return DedupKey{
		RecipientID: i.RecipientID,
		Kind:        i.Kind,
		SubjectID:   i.SubjectID,
		PeriodKey:   i.PeriodKey,
	}
}

// String returns a compact form for logging.
func (i Intent) String() string {
	return fmt.Sprintf("Intent{%s recipient=%s subject=%s period=%s}",
		i.Kind, i.RecipientID, i.SubjectID, i.PeriodKey)
}
