package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Each event represents something significant that the
// engine did or observed; the surrounding application (GUI, reporting)
// subscribes to these instead of polling the engine.
const (
	// Notification events
	EventNotificationDispatched EventType = "notification.dispatched"
	EventNotificationFailed     EventType = "notification.failed"

	// Membership events
	EventSubscriptionExpired EventType = "membership.subscription_expired"
	EventMissedClassStreak   EventType = "membership.missed_class_streak"

	// Engine events
	EventTickCompleted EventType = "engine.tick_completed"
	EventTickFailed    EventType = "engine.tick_failed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
	Version     int       `json:"version"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// NotificationDispatchedEvent is emitted after a notification was confirmed
// sent and its dedup entry recorded.
type NotificationDispatchedEvent struct {
	BaseEvent
	Kind      string `json:"kind"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	PeriodKey string `json:"period_key"`
}

// Payload implements Event interface.
func (e NotificationDispatchedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"kind":       e.Kind,
		"recipient":  e.Recipient,
		"subject":    e.Subject,
		"period_key": e.PeriodKey,
	}
}

// NewNotificationDispatchedEvent creates a dispatched event.
func NewNotificationDispatchedEvent(kind, recipient, subject, periodKey string) NotificationDispatchedEvent {
	return NotificationDispatchedEvent{
		BaseEvent: NewBaseEvent(EventNotificationDispatched, recipient),
		Kind:      kind,
		Recipient: recipient,
		Subject:   subject,
		PeriodKey: periodKey,
	}
}

// SubscriptionExpiredEvent is emitted when an expiry cleanup successfully
// deactivated a lapsed subscription in the external store.
type SubscriptionExpiredEvent struct {
	BaseEvent
	SubscriptionID string    `json:"subscription_id"`
	StudentID      string    `json:"student_id"`
	EndDate        time.Time `json:"end_date"`
}

// Payload implements Event interface.
func (e SubscriptionExpiredEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"subscription_id": e.SubscriptionID,
		"student_id":      e.StudentID,
		"end_date":        e.EndDate,
	}
}

// NewSubscriptionExpiredEvent creates a subscription expired event.
func NewSubscriptionExpiredEvent(subscriptionID, studentID string, endDate time.Time) SubscriptionExpiredEvent {
	return SubscriptionExpiredEvent{
		BaseEvent:      NewBaseEvent(EventSubscriptionExpired, subscriptionID),
		SubscriptionID: subscriptionID,
		StudentID:      studentID,
		EndDate:        endDate,
	}
}

// NotificationFailedEvent is emitted when a dispatch attempt failed. No dedup
// entry exists for it, so the same intent comes back on the next tick.
type NotificationFailedEvent struct {
	BaseEvent
	Kind      string `json:"kind"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Reason    string `json:"reason"`
}

// Payload implements Event interface.
func (e NotificationFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"kind":      e.Kind,
		"recipient": e.Recipient,
		"subject":   e.Subject,
		"reason":    e.Reason,
	}
}

// NewNotificationFailedEvent creates a failed-dispatch event.
func NewNotificationFailedEvent(kind, recipient, subject, reason string) NotificationFailedEvent {
	return NotificationFailedEvent{
		BaseEvent: NewBaseEvent(EventNotificationFailed, recipient),
		Kind:      kind,
		Recipient: recipient,
		Subject:   subject,
		Reason:    reason,
	}
}

// TickCompletedEvent is emitted at the end of every evaluation tick with the
// structured summary required by the error handling contract.
type TickCompletedEvent struct {
	BaseEvent
	Attempted int           `json:"attempted"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Deduped   int           `json:"deduped"`
	Duration  time.Duration `json:"duration"`
}

// Payload implements Event interface.
func (e TickCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"attempted": e.Attempted,
		"sent":      e.Sent,
		"failed":    e.Failed,
		"deduped":   e.Deduped,
		"duration":  e.Duration.String(),
	}
}

// NewTickCompletedEvent creates a tick completed event.
func NewTickCompletedEvent(attempted, sent, failed, deduped int, duration time.Duration) TickCompletedEvent {
	return TickCompletedEvent{
		BaseEvent: NewBaseEvent(EventTickCompleted, "engine"),
		Attempted: attempted,
		Sent:      sent,
		Failed:    failed,
		Deduped:   deduped,
		Duration:  duration,
	}
}

// TickFailedEvent is emitted when a whole tick failed before dispatch, for
// example because the observation store was unreachable.
type TickFailedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

// Payload implements Event interface.
func (e TickFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"reason": e.Reason,
	}
}

// NewTickFailedEvent creates a tick failed event.
func NewTickFailedEvent(reason string) TickFailedEvent {
	return TickFailedEvent{
		BaseEvent: NewBaseEvent(EventTickFailed, "engine"),
		Reason:    reason,
	}
}

// EventHandler processes a single event.
type EventHandler func(event Event) error

// EventPublisher publishes domain events.
type EventPublisher interface {
	Publish(event Event) error
}

// EventSubscriber subscribes handlers to event types.
type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
}
