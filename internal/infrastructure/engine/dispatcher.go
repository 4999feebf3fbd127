// Package engine wires the evaluation pipeline together: derive state, decide
// intents, filter against the dedup ledger, dispatch, and record.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dojocrm/membership-engine/internal/domain/membership"
	"github.com/dojocrm/membership-engine/internal/domain/notification"
	"github.com/dojocrm/membership-engine/internal/domain/shared"
	"github.com/dojocrm/membership-engine/internal/infrastructure/external/telegram"
	"github.com/dojocrm/membership-engine/pkg/circuitbreaker"
	"github.com/dojocrm/membership-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// OUTBOUND CHANNEL
// ══════════════════════════════════════════════════════════════════════════════

// OutboundChannel delivers one rendered message to one chat. Returning nil
// means the channel confirmed delivery; only then may the dedup entry be
// written.
type OutboundChannel interface {
	SendHTML(ctx context.Context, chatID int64, html string) error
}

// TelegramChannel adapts the Telegram client to OutboundChannel, with a
// circuit breaker in front so a systemically failing API trips fast instead
// of burning the per-message retry budget on every intent.
type TelegramChannel struct {
	client  *telegram.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewTelegramChannel wraps a Telegram client.
func NewTelegramChannel(client *telegram.Client, logger *slog.Logger) *TelegramChannel {
	breaker := circuitbreaker.New("telegram",
		circuitbreaker.WithFailureThreshold(5),
		circuitbreaker.WithOnStateChange(func(name string, from, to circuitbreaker.State) {
			logger.Warn("outbound channel circuit state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}),
	)

	return &TelegramChannel{
		client:  client,
		breaker: breaker,
	}
}

// SendHTML implements OutboundChannel.
func (t *TelegramChannel) SendHTML(ctx context.Context, chatID int64, html string) error {
	return t.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := t.client.SendHTML(ctx, chatID, html)
		return err
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Outcome classifies what happened to one intent at dispatch time.
type Outcome int

const (
	// OutcomeSent - the channel confirmed delivery (or, for maintenance
	// intents, the store confirmed the correction).
	OutcomeSent Outcome = iota

	// OutcomeSkipped - the intent cannot be delivered at all: the recipient
	// has no chat. No ledger entry is written; the intent comes back every
	// tick until the student links a chat or the period passes.
	OutcomeSkipped

	// OutcomeFailed - the delivery attempt failed. Retried next tick.
	OutcomeFailed
)

// String returns the string form of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Dispatcher renders intents into concrete effects: outbound messages for the
// notification kinds, a store correction for expiry cleanup.
type Dispatcher struct {
	channel     OutboundChannel
	deactivator membership.SubscriptionDeactivator
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(channel OutboundChannel, deactivator membership.SubscriptionDeactivator, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		channel:     channel,
		deactivator: deactivator,
		logger:      logger.With(slog.String("component", "dispatcher")),
	}
}

// Dispatch executes one intent. The returned error is non-nil only for
// OutcomeFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, intent notification.Intent) (Outcome, error) {
	if !intent.Kind.IsOutbound() {
		return d.dispatchCleanup(ctx, intent)
	}

	if !intent.Payload.Student.HasChat() {
		d.logger.Debug("recipient has no chat, skipping",
			slog.String("intent", intent.String()))
		return OutcomeSkipped, nil
	}

	text, err := RenderMessage(intent)
	if err != nil {
		return OutcomeFailed, shared.WrapError("engine", "Dispatch",
			shared.ErrDispatchFailed, "render message", err)
	}

	if err := d.channel.SendHTML(ctx, intent.Payload.Student.TelegramChatID, text); err != nil {
		// A dead chat or a block is not a transient failure; retrying it every
		// tick only burns the channel's budget. Treated like a missing chat.
		if telegram.IsChatNotFound(err) || telegram.IsUserBlocked(err) {
			d.logger.Warn("recipient unreachable, skipping",
				slog.String("intent", intent.String()),
				slog.String("error", err.Error()))
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, shared.WrapError("engine", "Dispatch",
			shared.ErrDispatchFailed, fmt.Sprintf("send %s to %s", intent.Kind, intent.RecipientID), err)
	}

	return OutcomeSent, nil
}

// dispatchCleanup corrects the stored subscription flag. A missing record
// counts as success: someone already removed it, the disagreement is gone.
func (d *Dispatcher) dispatchCleanup(ctx context.Context, intent notification.Intent) (Outcome, error) {
	sub := intent.Payload.Subscription
	if sub == nil {
		return OutcomeFailed, shared.NewDomainError("engine", "Dispatch",
			shared.ErrInvalidEntity, "cleanup intent without subscription")
	}

	err := d.deactivator.DeactivateSubscription(ctx, sub.ID)
	if err != nil {
		if shared.IsStoreUnavailable(err) {
			return OutcomeFailed, shared.WrapError("engine", "Dispatch",
				shared.ErrDispatchFailed, fmt.Sprintf("deactivate %s", sub.ID), err)
		}
		// Not found: the record is already gone.
		d.logger.Debug("cleanup target already removed",
			slog.String("subscription_id", sub.ID.String()))
	}

	return OutcomeSent, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MESSAGE RENDERING
// ══════════════════════════════════════════════════════════════════════════════

// RenderMessage builds the HTML message body for an outbound intent.
func RenderMessage(intent notification.Intent) (string, error) {
	switch intent.Kind {
	case notification.KindTrainingReminder:
		return renderTrainingReminder(intent), nil
	case notification.KindMissedClasses:
		return renderMissedClasses(intent), nil
	case notification.KindPaymentReminder:
		return renderPaymentReminder(intent), nil
	default:
		return "", fmt.Errorf("no message template for kind %q", intent.Kind)
	}
}

func renderTrainingReminder(intent notification.Intent) string {
	training := intent.Payload.Training

	var b strings.Builder
	b.WriteString("🏆 <b>Напоминание о тренировке</b>\n\n")
	if training != nil {
		fmt.Fprintf(&b, "📅 Дата: %s (%s)\n",
			timeutil.FormatRussianTime(training.ScheduledTime),
			timeutil.WeekdayNameRu(training.ScheduledTime))
		if training.TrainerName != "" {
			fmt.Fprintf(&b, "👨‍🏫 Тренер: %s\n", training.TrainerName)
		}
	}
	b.WriteString("\nНе забудьте про тренировку!")
	return b.String()
}

func renderMissedClasses(intent notification.Intent) string {
	student := intent.Payload.Student

	var b strings.Builder
	fmt.Fprintf(&b, "👋 Привет, %s!\n\n", student.FirstName)
	fmt.Fprintf(&b, "Мы заметили, что вы пропустили %d тренировок подряд.\n", intent.Payload.MissedCount)
	b.WriteString("Надеемся увидеть вас на следующей тренировке! 💪")
	return b.String()
}

func renderPaymentReminder(intent notification.Intent) string {
	student := intent.Payload.Student
	sub := intent.Payload.Subscription

	var b strings.Builder
	b.WriteString("💰 <b>Напоминание об оплате</b>\n\n")
	fmt.Fprintf(&b, "👤 %s\n", student.FullName())
	if sub != nil {
		fmt.Fprintf(&b, "📋 Тип: %s\n", sub.Type)
		if sub.Price.IsPositive() {
			fmt.Fprintf(&b, "💵 Сумма: %s\n", sub.Price.StringFixed(2))
		}
		if sub.EndDate != nil {
			fmt.Fprintf(&b, "📅 Действует до: %s\n", timeutil.FormatRussian(*sub.EndDate))
		}
	}
	b.WriteString("\n💳 Пожалуйста, продлите абонемент")
	return b.String()
}
