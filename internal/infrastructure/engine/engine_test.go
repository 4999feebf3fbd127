package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojocrm/membership-engine/internal/domain/membership"
	"github.com/dojocrm/membership-engine/internal/domain/notification"
	"github.com/dojocrm/membership-engine/internal/domain/shared"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakeStore struct {
	mu            sync.Mutex
	students      []membership.StudentRef
	attendance    map[membership.StudentID][]membership.AttendanceRecord
	subscriptions []membership.SubscriptionView
	trainings     []membership.TrainingRecord

	failWith    error
	deactivated []membership.SubscriptionID
}

func (f *fakeStore) ListStudents(ctx context.Context) ([]membership.StudentRef, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.students, nil
}

func (f *fakeStore) ListAttendance(ctx context.Context, id membership.StudentID, since time.Time) ([]membership.AttendanceRecord, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.attendance[id], nil
}

func (f *fakeStore) ListSubscriptions(ctx context.Context) ([]membership.SubscriptionView, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	out := make([]membership.SubscriptionView, len(f.subscriptions))
	copy(out, f.subscriptions)
	return out, nil
}

func (f *fakeStore) ListTrainingsIn(ctx context.Context, from, to time.Time) ([]membership.TrainingRecord, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.trainings, nil
}

func (f *fakeStore) DeactivateSubscription(ctx context.Context, id membership.SubscriptionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, id)
	for i := range f.subscriptions {
		if f.subscriptions[i].Subscription.ID == id {
			f.subscriptions[i].Subscription.Active = false
		}
	}
	return nil
}

type fakeChannel struct {
	mu        sync.Mutex
	sent      []int64
	failWith  error           // fails every send
	failChats map[int64]error // fails sends to specific chats only
}

func (c *fakeChannel) SendHTML(ctx context.Context, chatID int64, html string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	if err, ok := c.failChats[chatID]; ok {
		return err
	}
	c.sent = append(c.sent, chatID)
	return nil
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeChannel) sentChats() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.sent))
	copy(out, c.sent)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ─────────────────────────────────────────────────────────────────────────────
// Fixtures
// ─────────────────────────────────────────────────────────────────────────────

var tickAt = time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)

// newTestEngine assembles a full pipeline over the fakes with a fixed clock.
func newTestEngine(t *testing.T, store *fakeStore, channel *fakeChannel, ledger notification.Ledger) *Engine {
	t.Helper()

	evaluator := membership.NewStateEvaluator(store, membership.DefaultEvaluatorConfig()).
		WithClock(func() time.Time { return tickAt })
	policy := notification.NewThresholdPolicy(notification.DefaultPolicyConfig())
	dispatcher := NewDispatcher(channel, store, discardLogger())

	eng, err := New(evaluator, policy, ledger, dispatcher, nil, DefaultConfig(), discardLogger())
	require.NoError(t, err)
	return eng
}

func absences(id membership.StudentID, count int) []membership.AttendanceRecord {
	records := make([]membership.AttendanceRecord, 0, count)
	for i := 0; i < count; i++ {
		records = append(records, membership.AttendanceRecord{
			StudentID: id,
			Status:    membership.StatusAbsent,
			Timestamp: tickAt.Add(-time.Duration(i+1) * 24 * time.Hour),
		})
	}
	return records
}

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestRunTick_SendsAndRecords(t *testing.T) {
	student := membership.StudentRef{ID: "s1", FirstName: "Айдос", TelegramChatID: 100}
	endSoon := tickAt.Add(2 * 24 * time.Hour)

	store := &fakeStore{
		students: []membership.StudentRef{student},
		attendance: map[membership.StudentID][]membership.AttendanceRecord{
			"s1": absences("s1", 3),
		},
		subscriptions: []membership.SubscriptionView{{
			Student: student,
			Subscription: membership.SubscriptionRecord{
				ID: "sub1", StudentID: "s1", Active: true,
				StartDate: tickAt.Add(-30 * 24 * time.Hour), EndDate: &endSoon,
			},
		}},
		trainings: []membership.TrainingRecord{
			{ID: "t1", ScheduledTime: tickAt.Add(time.Hour), TrainerName: "Марат"},
		},
	}
	channel := &fakeChannel{}
	ledger := notification.NewMemoryLedger()

	eng := newTestEngine(t, store, channel, ledger)

	summary, err := eng.RunTick(context.Background())
	require.NoError(t, err)

	// Missed-class alert + training reminder + payment reminder.
	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 3, summary.Sent)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Deduped)
	assert.Equal(t, 3, channel.sentCount())
	assert.Equal(t, 3, ledger.Len())
}

func TestRunTick_SecondTickIsFullyDeduped(t *testing.T) {
	student := membership.StudentRef{ID: "s1", FirstName: "Айдос", TelegramChatID: 100}

	store := &fakeStore{
		students: []membership.StudentRef{student},
		attendance: map[membership.StudentID][]membership.AttendanceRecord{
			"s1": absences("s1", 2),
		},
	}
	channel := &fakeChannel{}
	ledger := notification.NewMemoryLedger()

	eng := newTestEngine(t, store, channel, ledger)

	first, err := eng.RunTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Sent)

	second, err := eng.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, second.Attempted)
	assert.Equal(t, 0, second.Sent)
	assert.Equal(t, 1, second.Deduped)
	assert.Equal(t, 1, channel.sentCount(), "no second message went out")
}

func TestRunTick_SkipsRecipientsWithoutChat(t *testing.T) {
	student := membership.StudentRef{ID: "s1", FirstName: "Айдос"} // no chat linked

	store := &fakeStore{
		students: []membership.StudentRef{student},
		attendance: map[membership.StudentID][]membership.AttendanceRecord{
			"s1": absences("s1", 2),
		},
	}
	channel := &fakeChannel{}
	ledger := notification.NewMemoryLedger()

	eng := newTestEngine(t, store, channel, ledger)

	summary, err := eng.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Sent)

	// No ledger entry: the intent comes back every tick until the student
	// links a chat or the streak resets.
	assert.Equal(t, 0, ledger.Len())

	again, err := eng.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempted)
}

func TestRunTick_FailedDispatchLeavesNoLedgerEntry(t *testing.T) {
	student := membership.StudentRef{ID: "s1", FirstName: "Айдос", TelegramChatID: 100}

	store := &fakeStore{
		students: []membership.StudentRef{student},
		attendance: map[membership.StudentID][]membership.AttendanceRecord{
			"s1": absences("s1", 2),
		},
	}
	channel := &fakeChannel{failWith: errors.New("telegram unreachable")}
	ledger := notification.NewMemoryLedger()

	eng := newTestEngine(t, store, channel, ledger)

	// The only dispatch in the tick failed, so the tick fails as a whole.
	summary, err := eng.RunTick(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Sent)
	assert.Equal(t, 0, ledger.Len())

	// Channel recovers; the same intent goes out on the next tick.
	channel.mu.Lock()
	channel.failWith = nil
	channel.mu.Unlock()

	retried, err := eng.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Sent)
	assert.Equal(t, 1, ledger.Len())
}

func TestRunTick_SystemicDispatchFailureFailsTick(t *testing.T) {
	students := []membership.StudentRef{
		{ID: "s1", FirstName: "Айдос", TelegramChatID: 100},
		{ID: "s2", FirstName: "Санжар", TelegramChatID: 200},
	}

	store := &fakeStore{
		students: students,
		attendance: map[membership.StudentID][]membership.AttendanceRecord{
			"s1": absences("s1", 2),
			"s2": absences("s2", 2),
		},
	}
	channel := &fakeChannel{failWith: errors.New("telegram down")}
	ledger := notification.NewMemoryLedger()

	eng := newTestEngine(t, store, channel, ledger)

	summary, err := eng.RunTick(context.Background())
	require.Error(t, err)
	assert.True(t, shared.IsDispatchFailed(err))

	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 0, ledger.Len())
}

func TestRunTick_ChannelFailureIsolatedPerRecipient(t *testing.T) {
	students := []membership.StudentRef{
		{ID: "s1", FirstName: "Айдос", TelegramChatID: 100},
		{ID: "s2", FirstName: "Санжар", TelegramChatID: 200},
	}

	store := &fakeStore{
		students: students,
		attendance: map[membership.StudentID][]membership.AttendanceRecord{
			"s1": absences("s1", 2),
			"s2": absences("s2", 2),
		},
	}
	channel := &fakeChannel{
		failChats: map[int64]error{100: errors.New("broken pipe")},
	}
	ledger := notification.NewMemoryLedger()

	eng := newTestEngine(t, store, channel, ledger)

	// One recipient fails, the other goes through; the tick itself succeeds.
	summary, err := eng.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []int64{200}, channel.sentChats())
	assert.Equal(t, 1, ledger.Len(), "only the confirmed send is recorded")

	// The failing recipient recovers; only their intent is retried.
	channel.mu.Lock()
	channel.failChats = nil
	channel.mu.Unlock()

	second, err := eng.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Attempted)
	assert.Equal(t, 1, second.Sent)
	assert.Equal(t, 1, second.Deduped)
	assert.Equal(t, 2, ledger.Len())
}

func TestRunTick_ExpiryCleanupDeactivatesAndRecords(t *testing.T) {
	student := membership.StudentRef{ID: "s1", FirstName: "Айдос", TelegramChatID: 100}
	lapsed := tickAt.Add(-24 * time.Hour)

	store := &fakeStore{
		students: []membership.StudentRef{student},
		subscriptions: []membership.SubscriptionView{{
			Student: student,
			Subscription: membership.SubscriptionRecord{
				ID: "sub1", StudentID: "s1", Active: true,
				StartDate: tickAt.Add(-60 * 24 * time.Hour), EndDate: &lapsed,
			},
		}},
	}
	channel := &fakeChannel{}
	ledger := notification.NewMemoryLedger()

	eng := newTestEngine(t, store, channel, ledger)

	summary, err := eng.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 0, channel.sentCount(), "cleanup is a store correction, not a message")
	assert.Equal(t, []membership.SubscriptionID{"sub1"}, store.deactivated)
	assert.Equal(t, 1, ledger.Len())

	// The corrected record no longer qualifies; nothing happens next tick.
	second, err := eng.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Attempted)
}

func TestRunTick_StoreErrorFailsWholeTick(t *testing.T) {
	store := &fakeStore{failWith: errors.New("connection refused")}
	eng := newTestEngine(t, store, &fakeChannel{}, notification.NewMemoryLedger())

	_, err := eng.RunTick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrStoreUnavailable))
}

func TestRunTick_ManyStudentsBoundedWorkers(t *testing.T) {
	students := make([]membership.StudentRef, 0, 20)
	attendance := make(map[membership.StudentID][]membership.AttendanceRecord)
	for i := 0; i < 20; i++ {
		id := membership.StudentID(string(rune('a' + i)))
		students = append(students, membership.StudentRef{
			ID: id, FirstName: "Student", TelegramChatID: int64(i + 1),
		})
		attendance[id] = absences(id, 2)
	}

	store := &fakeStore{students: students, attendance: attendance}
	channel := &fakeChannel{}
	ledger := notification.NewMemoryLedger()

	eng := newTestEngine(t, store, channel, ledger)

	summary, err := eng.RunTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, summary.Sent)
	assert.Equal(t, 20, ledger.Len())
}

func TestEngine_StatsAccumulate(t *testing.T) {
	student := membership.StudentRef{ID: "s1", FirstName: "Айдос", TelegramChatID: 100}
	store := &fakeStore{
		students: []membership.StudentRef{student},
		attendance: map[membership.StudentID][]membership.AttendanceRecord{
			"s1": absences("s1", 2),
		},
	}
	eng := newTestEngine(t, store, &fakeChannel{}, notification.NewMemoryLedger())

	_, err := eng.RunTick(context.Background())
	require.NoError(t, err)
	_, err = eng.RunTick(context.Background())
	require.NoError(t, err)

	stats := eng.Stats()
	assert.Equal(t, 2, stats.TotalTicks)
	assert.Equal(t, 1, stats.TotalSent)
	assert.Equal(t, 1, stats.LastTick.Deduped)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	err := Config{DispatchWorkers: 0}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrConfigInvalid))
}
