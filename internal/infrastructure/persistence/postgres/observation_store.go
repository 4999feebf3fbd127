package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dojocrm/membership-engine/internal/domain/membership"
	"github.com/dojocrm/membership-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// OBSERVATION STORE IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ObservationStore implements membership.ObservationStore and
// membership.SubscriptionDeactivator over the CRM's record tables.
type ObservationStore struct {
	conn *Connection
}

// NewObservationStore creates a new ObservationStore.
func NewObservationStore(conn *Connection) *ObservationStore {
	return &ObservationStore{conn: conn}
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

// ListStudents returns the full roster.
func (s *ObservationStore) ListStudents(ctx context.Context) ([]membership.StudentRef, error) {
	query := `
		SELECT id, first_name, last_name, telegram_chat_id
		FROM students
		ORDER BY id
	`

	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, storeErr("ListStudents", "query students", err)
	}
	defer rows.Close()

	students := make([]membership.StudentRef, 0)
	for rows.Next() {
		var (
			id     string
			ref    membership.StudentRef
			chatID int64
		)
		if err := rows.Scan(&id, &ref.FirstName, &ref.LastName, &chatID); err != nil {
			return nil, storeErr("ListStudents", "scan student row", err)
		}
		ref.ID = membership.StudentID(id)
		ref.TelegramChatID = chatID
		students = append(students, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("ListStudents", "iterate student rows", err)
	}

	return students, nil
}

// ListAttendance returns a student's marks since the given time, newest first.
func (s *ObservationStore) ListAttendance(ctx context.Context, studentID membership.StudentID, since time.Time) ([]membership.AttendanceRecord, error) {
	query := `
		SELECT student_id, training_id, status, marked_at
		FROM attendance
		WHERE student_id = $1 AND marked_at >= $2
		ORDER BY marked_at DESC
	`

	rows, err := s.conn.Query(ctx, query, studentID.String(), since)
	if err != nil {
		return nil, storeErr("ListAttendance", "query attendance", err)
	}
	defer rows.Close()

	records := make([]membership.AttendanceRecord, 0)
	for rows.Next() {
		var (
			rec      membership.AttendanceRecord
			sid, tid string
			status   string
		)
		if err := rows.Scan(&sid, &tid, &status, &rec.Timestamp); err != nil {
			return nil, storeErr("ListAttendance", "scan attendance row", err)
		}
		rec.StudentID = membership.StudentID(sid)
		rec.TrainingID = membership.TrainingID(tid)
		rec.Status = membership.AttendanceStatus(status)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("ListAttendance", "iterate attendance rows", err)
	}

	return records, nil
}

// ListSubscriptions returns all stored-active subscriptions joined with their
// owners. The lapsed-but-still-flagged ones come back too; classification is
// the evaluator's job.
func (s *ObservationStore) ListSubscriptions(ctx context.Context) ([]membership.SubscriptionView, error) {
	query := `
		SELECT sub.id, sub.student_id, sub.type, sub.price,
			   sub.start_date, sub.end_date, sub.active,
			   st.first_name, st.last_name, st.telegram_chat_id
		FROM subscriptions sub
		JOIN students st ON st.id = sub.student_id
		WHERE sub.active = TRUE
		ORDER BY sub.student_id, sub.start_date
	`

	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, storeErr("ListSubscriptions", "query subscriptions", err)
	}
	defer rows.Close()

	views := make([]membership.SubscriptionView, 0)
	for rows.Next() {
		var (
			view    membership.SubscriptionView
			subID   string
			sid     string
			endDate *time.Time
		)
		if err := rows.Scan(
			&subID,
			&sid,
			&view.Subscription.Type,
			&view.Subscription.Price,
			&view.Subscription.StartDate,
			&endDate,
			&view.Subscription.Active,
			&view.Student.FirstName,
			&view.Student.LastName,
			&view.Student.TelegramChatID,
		); err != nil {
			return nil, storeErr("ListSubscriptions", "scan subscription row", err)
		}
		view.Subscription.ID = membership.SubscriptionID(subID)
		view.Subscription.StudentID = membership.StudentID(sid)
		view.Subscription.EndDate = endDate
		view.Student.ID = membership.StudentID(sid)
		views = append(views, view)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("ListSubscriptions", "iterate subscription rows", err)
	}

	return views, nil
}

// ListTrainingsIn returns trainings scheduled inside [from, to).
func (s *ObservationStore) ListTrainingsIn(ctx context.Context, from, to time.Time) ([]membership.TrainingRecord, error) {
	query := `
		SELECT id, scheduled_time, trainer_id, trainer_name
		FROM trainings
		WHERE scheduled_time >= $1 AND scheduled_time < $2
		ORDER BY scheduled_time
	`

	rows, err := s.conn.Query(ctx, query, from, to)
	if err != nil {
		return nil, storeErr("ListTrainingsIn", "query trainings", err)
	}
	defer rows.Close()

	trainings := make([]membership.TrainingRecord, 0)
	for rows.Next() {
		var (
			rec membership.TrainingRecord
			id  string
		)
		if err := rows.Scan(&id, &rec.ScheduledTime, &rec.TrainerID, &rec.TrainerName); err != nil {
			return nil, storeErr("ListTrainingsIn", "scan training row", err)
		}
		rec.ID = membership.TrainingID(id)
		trainings = append(trainings, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("ListTrainingsIn", "iterate training rows", err)
	}

	return trainings, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Mutation
// ─────────────────────────────────────────────────────────────────────────────

// DeactivateSubscription flips the stored active flag to false. It is
// idempotent: deactivating an already inactive subscription is a no-op, a
// missing one is ErrNotFound.
func (s *ObservationStore) DeactivateSubscription(ctx context.Context, id membership.SubscriptionID) error {
	query := `
		UPDATE subscriptions
		SET active = FALSE
		WHERE id = $1
	`

	tag, err := s.conn.Exec(ctx, query, id.String())
	if err != nil {
		return storeErr("DeactivateSubscription", fmt.Sprintf("deactivate %s", id), err)
	}

	if tag.RowsAffected() == 0 {
		return shared.WrapError("postgres", "DeactivateSubscription",
			shared.ErrNotFound, fmt.Sprintf("subscription %s", id), nil)
	}

	return nil
}

// storeErr wraps a low-level database error into the store-unavailable class
// the scheduler keys its backoff on.
func storeErr(op, msg string, err error) error {
	return shared.WrapError("postgres", op, shared.ErrStoreUnavailable, msg, err)
}
