package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dojocrm/membership-engine/internal/domain/membership"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidKind - the intent kind is not one of the known values.
	ErrInvalidKind = errors.New("invalid intent kind")

	// ErrMissingRecipient - the intent has no recipient.
	ErrMissingRecipient = errors.New("intent recipient cannot be empty")

	// ErrMissingSubject - the intent has no subject.
	ErrMissingSubject = errors.New("intent subject cannot be empty")

	// ErrMissingPeriodKey - the intent has no period key.
	ErrMissingPeriodKey = errors.New("intent period key cannot be empty")

	// ErrDuplicateEntry - a ledger entry for the key already exists.
	ErrDuplicateEntry = errors.New("dedup entry already recorded")
)

// ══════════════════════════════════════════════════════════════════════════════
// DEDUP LEDGER
// ══════════════════════════════════════════════════════════════════════════════

// DedupKey is the tuple that identifies one notification per period. At most
// one DedupEntry may exist per key; that uniqueness is the engine's
// at-most-once guarantee.
type DedupKey struct {
	RecipientID membership.StudentID
	Kind        Kind
	SubjectID   string
	PeriodKey   PeriodKey
}

// DedupEntry records one confirmed dispatch.
type DedupEntry struct {
	Key    DedupKey
	SentAt time.Time
}

// Ledger tracks which intents were already dispatched. Record must be called
// only after a confirmed successful dispatch; a failed dispatch leaves no
// entry, so the same intent is naturally retried on the next tick.
//
// Implementations must make Record atomic per key and tolerant of concurrent
// writers racing on the same key (first writer wins, later writers get
// ErrDuplicateEntry).
type Ledger interface {
	// AlreadySent reports whether an entry exists for the key.
	AlreadySent(ctx context.Context, key DedupKey) (bool, error)

	// Record writes the entry for a confirmed dispatch. Returns
	// ErrDuplicateEntry when the key was already recorded.
	Record(ctx context.Context, key DedupKey, sentAt time.Time) error
}

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY LEDGER
// ══════════════════════════════════════════════════════════════════════════════

// MemoryLedger is a process-local Ledger. It does not survive restarts, so
// production runs use the persistent implementation; this one backs tests
// and development without a database.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[DedupKey]DedupEntry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[DedupKey]DedupEntry),
	}
}

// AlreadySent implements Ledger.
func (l *MemoryLedger) AlreadySent(_ context.Context, key DedupKey) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[key]
	return ok, nil
}

// Record implements Ledger.
func (l *MemoryLedger) Record(_ context.Context, key DedupKey, sentAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; ok {
		return ErrDuplicateEntry
	}
	l.entries[key] = DedupEntry{Key: key, SentAt: sentAt}
	return nil
}

// Len returns the number of recorded entries.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a snapshot of all entries, for tests and diagnostics.
func (l *MemoryLedger) Entries() []DedupEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]DedupEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}
