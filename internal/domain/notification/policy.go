package notification

import (
	"sort"

	"github.com/dojocrm/membership-engine/internal/domain/membership"
	"github.com/dojocrm/membership-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// THRESHOLD POLICY
// ══════════════════════════════════════════════════════════════════════════════

// PolicyConfig holds every threshold constant the policy applies. All values
// are validated at startup; the engine refuses to run on an invalid policy.
type PolicyConfig struct {
	// MissedClassThreshold is the consecutive-missed count at which a
	// missed-classes alert fires. Default 2.
	MissedClassThreshold int

	// PaymentLeadDays is how many days before expiry a payment reminder
	// fires. Default 3.
	PaymentLeadDays int
}

// DefaultPolicyConfig returns the documented defaults.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MissedClassThreshold: 2,
		PaymentLeadDays:      3,
	}
}

// Validate checks the thresholds.
func (c PolicyConfig) Validate() error {
	if c.MissedClassThreshold < 1 {
		return shared.WrapError("notification", "Validate", shared.ErrConfigInvalid,
			"missed class threshold must be at least 1", nil)
	}
	if c.PaymentLeadDays < 0 {
		return shared.WrapError("notification", "Validate", shared.ErrConfigInvalid,
			"payment lead days cannot be negative", nil)
	}
	return nil
}

// ThresholdPolicy maps derived membership state to notification intents. It
// is a pure decision function: no I/O, no clock reads (evaluation timestamps
// travel inside the derived state), no awareness of the ledger.
type ThresholdPolicy struct {
	config PolicyConfig
}

// NewThresholdPolicy creates a policy with the given thresholds.
func NewThresholdPolicy(config PolicyConfig) *ThresholdPolicy {
	return &ThresholdPolicy{config: config}
}

// DeriveIntents turns one tick's derived state into the full intent set.
// Within a kind, intents for the same recipient are adjacent so the
// dispatcher may merge them into a single outbound message.
func (p *ThresholdPolicy) DeriveIntents(
	states []membership.StudentDerivedState,
	subscriptions []membership.SubscriptionView,
	trainings []membership.TrainingRecord,
) []Intent {
	intents := make([]Intent, 0)
	intents = append(intents, p.missedClassIntents(states)...)
	intents = append(intents, p.trainingReminderIntents(states, subscriptions, trainings)...)
	intents = append(intents, p.paymentReminderIntents(subscriptions)...)
	intents = append(intents, p.expiryCleanupIntents(subscriptions)...)
	return intents
}

// missedClassIntents fires when the trailing missed streak reaches the
// threshold. The period key is the streak epoch, so the intent fires once
// per epoch no matter how long the streak keeps growing, and re-arms when
// the streak resets and regrows.
func (p *ThresholdPolicy) missedClassIntents(states []membership.StudentDerivedState) []Intent {
	intents := make([]Intent, 0)
	for _, s := range states {
		if s.ConsecutiveMissed < p.config.MissedClassThreshold {
			continue
		}
		intents = append(intents, Intent{
			Kind:        KindMissedClasses,
			RecipientID: s.Student.ID,
			SubjectID:   s.Student.ID.String(),
			PeriodKey:   StreakEpochKey(s.StreakAnchor),
			Payload: Payload{
				Student:     s.Student,
				MissedCount: s.ConsecutiveMissed,
			},
		})
	}
	return intents
}

// trainingReminderIntents fires one reminder per (training, recipient) for
// every student holding a currently active subscription. Recipients are
// batched per kind: the slice is ordered by recipient, then training time.
func (p *ThresholdPolicy) trainingReminderIntents(
	states []membership.StudentDerivedState,
	subscriptions []membership.SubscriptionView,
	trainings []membership.TrainingRecord,
) []Intent {
	if len(trainings) == 0 {
		return nil
	}

	// Recipient set: students with an active subscription right now. The
	// derived state carries the same classification, so prefer it when
	// present and fall back to the subscription views.
	recipients := make(map[membership.StudentID]membership.StudentRef)
	for _, s := range states {
		if s.SubscriptionStatus == membership.SubscriptionActive {
			recipients[s.Student.ID] = s.Student
		}
	}
	for _, v := range subscriptions {
		if v.ActiveNow {
			if _, ok := recipients[v.Student.ID]; !ok {
				recipients[v.Student.ID] = v.Student
			}
		}
	}

	ordered := make([]membership.StudentRef, 0, len(recipients))
	for _, ref := range recipients {
		ordered = append(ordered, ref)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	intents := make([]Intent, 0, len(ordered)*len(trainings))
	for _, student := range ordered {
		for _, training := range trainings {
			t := training
			intents = append(intents, Intent{
				Kind:        KindTrainingReminder,
				RecipientID: student.ID,
				SubjectID:   training.ID.String(),
				PeriodKey:   TrainingPeriodKey(training.ID),
				Payload: Payload{
					Student:  student,
					Training: &t,
				},
			})
		}
	}
	return intents
}

// paymentReminderIntents fires when an active subscription's days until
// expiry drop to the lead time or below. The period key is the end date, so
// the reminder fires exactly once per expiry cycle; a renewal moves the end
// date and opens a new cycle.
func (p *ThresholdPolicy) paymentReminderIntents(subscriptions []membership.SubscriptionView) []Intent {
	intents := make([]Intent, 0)
	for _, v := range subscriptions {
		if !v.ActiveNow {
			continue
		}
		if v.Subscription.EndDate == nil {
			continue
		}
		remaining := v.Subscription.DaysUntilExpiry(v.EvaluatedAt)
		if remaining > p.config.PaymentLeadDays {
			continue
		}
		sub := v.Subscription
		intents = append(intents, Intent{
			Kind:        KindPaymentReminder,
			RecipientID: v.Student.ID,
			SubjectID:   sub.ID.String(),
			PeriodKey:   ExpiryCycleKey(*sub.EndDate),
			Payload: Payload{
				Student:      v.Student,
				Subscription: &sub,
				DaysLeft:     remaining,
			},
		})
	}
	sortByRecipient(intents)
	return intents
}

// expiryCleanupIntents emits the maintenance intent for every subscription
// whose stored flag disagrees with the derived view. Its dispatch corrects
// the record store; the ledger entry is written only when the correction
// succeeds, so failed cleanups come back next tick.
func (p *ThresholdPolicy) expiryCleanupIntents(subscriptions []membership.SubscriptionView) []Intent {
	intents := make([]Intent, 0)
	for _, v := range subscriptions {
		if v.ActiveNow {
			continue
		}
		if !v.Subscription.NeedsExpiryCleanup(v.EvaluatedAt) {
			continue
		}
		sub := v.Subscription
		intents = append(intents, Intent{
			Kind:        KindExpiryCleanup,
			RecipientID: v.Student.ID,
			SubjectID:   sub.ID.String(),
			PeriodKey:   ExpiryCycleKey(*sub.EndDate),
			Payload: Payload{
				Student:      v.Student,
				Subscription: &sub,
			},
		})
	}
	sortByRecipient(intents)
	return intents
}

// sortByRecipient orders intents by recipient, keeping same-recipient
// intents adjacent for the dispatcher's batching.
func sortByRecipient(intents []Intent) {
	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].RecipientID < intents[j].RecipientID
	})
}
