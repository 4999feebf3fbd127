package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dojocrm/membership-engine/internal/domain/notification"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEDUP LEDGER CACHE
// ══════════════════════════════════════════════════════════════════════════════

// CachedLedger is a read-through cache in front of a persistent
// notification.Ledger. A cache hit answers AlreadySent without touching the
// database; a miss falls through and, when the database says sent, backfills
// the cache.
//
// The cache is advisory: Redis being down degrades to the inner ledger and
// never fails a lookup or a record. The database's unique constraint stays
// the source of truth for at-most-once.
type CachedLedger struct {
	inner  notification.Ledger
	cache  *Cache
	logger *slog.Logger
}

// NewCachedLedger wraps a persistent ledger with a Redis cache.
func NewCachedLedger(inner notification.Ledger, cache *Cache, logger *slog.Logger) *CachedLedger {
	return &CachedLedger{
		inner:  inner,
		cache:  cache,
		logger: logger.With(slog.String("component", "ledger_cache")),
	}
}

// AlreadySent implements notification.Ledger.
func (l *CachedLedger) AlreadySent(ctx context.Context, key notification.DedupKey) (bool, error) {
	cacheKey := dedupCacheKey(key)

	hit, err := l.cache.Exists(ctx, cacheKey)
	if err != nil {
		l.logger.Warn("dedup cache lookup failed, falling through",
			slog.String("key", cacheKey),
			slog.String("error", err.Error()))
	} else if hit {
		return true, nil
	}

	sent, err := l.inner.AlreadySent(ctx, key)
	if err != nil {
		return false, err
	}

	if sent {
		l.backfill(ctx, cacheKey)
	}

	return sent, nil
}

// Record implements notification.Ledger. The write goes to the persistent
// ledger first; the cache entry is set only after the database accepted it.
func (l *CachedLedger) Record(ctx context.Context, key notification.DedupKey, sentAt time.Time) error {
	err := l.inner.Record(ctx, key, sentAt)
	if err != nil && !errors.Is(err, notification.ErrDuplicateEntry) {
		return err
	}

	// Duplicate means the entry exists; caching it is still correct.
	l.backfill(ctx, dedupCacheKey(key))

	return err
}

// backfill marks the key as sent in the cache. Failures are logged and
// swallowed.
func (l *CachedLedger) backfill(ctx context.Context, cacheKey string) {
	if err := l.cache.SetString(ctx, cacheKey, "1", TTLDedupEntry); err != nil {
		l.logger.Warn("dedup cache backfill failed",
			slog.String("key", cacheKey),
			slog.String("error", err.Error()))
	}
}

// dedupCacheKey builds the Redis key for a dedup tuple.
func dedupCacheKey(key notification.DedupKey) string {
	return fmt.Sprintf("%s%s:%s:%s:%s",
		PrefixDedup, key.RecipientID, key.Kind, key.SubjectID, key.PeriodKey)
}
