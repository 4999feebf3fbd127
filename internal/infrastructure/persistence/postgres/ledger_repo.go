package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dojocrm/membership-engine/internal/domain/membership"
	"github.com/dojocrm/membership-engine/internal/domain/notification"
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION LEDGER IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// LedgerRepository implements notification.Ledger over the notification_ledger
// table. The table's unique constraint over (recipient, kind, subject, period)
// carries the at-most-once guarantee; concurrent recorders race on the insert
// and the loser gets notification.ErrDuplicateEntry.
type LedgerRepository struct {
	conn *Connection
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(conn *Connection) *LedgerRepository {
	return &LedgerRepository{conn: conn}
}

// AlreadySent reports whether an entry exists for the key.
func (r *LedgerRepository) AlreadySent(ctx context.Context, key notification.DedupKey) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notification_ledger
			WHERE recipient_id = $1 AND kind = $2 AND subject_id = $3 AND period_key = $4
		)
	`

	var exists bool
	err := r.conn.QueryRow(ctx, query,
		key.RecipientID.String(),
		key.Kind.String(),
		key.SubjectID,
		key.PeriodKey.String(),
	).Scan(&exists)
	if err != nil {
		return false, storeErr("AlreadySent", "query ledger", err)
	}

	return exists, nil
}

// Record writes the entry for a confirmed dispatch.
func (r *LedgerRepository) Record(ctx context.Context, key notification.DedupKey, sentAt time.Time) error {
	query := `
		INSERT INTO notification_ledger (id, recipient_id, kind, subject_id, period_key, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.conn.Exec(ctx, query,
		uuid.New().String(),
		key.RecipientID.String(),
		key.Kind.String(),
		key.SubjectID,
		key.PeriodKey.String(),
		sentAt.UTC(),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return notification.ErrDuplicateEntry
		}
		return storeErr("Record", "insert ledger entry", err)
	}

	return nil
}

// Entries returns the ledger entries recorded since the given time, newest
// first. Used by diagnostics and tests against a live database.
func (r *LedgerRepository) Entries(ctx context.Context, since time.Time) ([]notification.DedupEntry, error) {
	query := `
		SELECT recipient_id, kind, subject_id, period_key, sent_at
		FROM notification_ledger
		WHERE sent_at >= $1
		ORDER BY sent_at DESC
	`

	rows, err := r.conn.Query(ctx, query, since.UTC())
	if err != nil {
		return nil, storeErr("Entries", "query ledger entries", err)
	}
	defer rows.Close()

	entries := make([]notification.DedupEntry, 0)
	for rows.Next() {
		var (
			entry notification.DedupEntry
			rid   string
			kind  string
			pkey  string
		)
		if err := rows.Scan(&rid, &kind, &entry.Key.SubjectID, &pkey, &entry.SentAt); err != nil {
			return nil, storeErr("Entries", "scan ledger row", err)
		}
		entry.Key.RecipientID = membership.StudentID(rid)
		entry.Key.Kind = notification.Kind(kind)
		entry.Key.PeriodKey = notification.PeriodKey(pkey)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("Entries", "iterate ledger rows", err)
	}

	return entries, nil
}
