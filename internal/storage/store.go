package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrUnavailable is returned when a storage tier cannot be reached. Callers
// that own a fallback tier (the quota tracker) treat it as a signal to
// degrade; everything else surfaces it as an infrastructure failure.
var ErrUnavailable = errors.New("storage: backend unavailable")

// Store represents the durable storage interface. It is the source of truth
// for usage reconstruction and for the admin reporting queries.
type Store interface {
	Close() error
	Operations() OperationLogStore
	Users() UserStore
}

// OperationLogStore is the append-only log of executed document operations.
// Entries are never updated; the log is keyed by (user, timestamp).
type OperationLogStore interface {
	Append(ctx context.Context, rec OperationRecord) error
	// CountCharged counts the charged entries for a user on a calendar day
	// (date in "2006-01-02" form). This is the durable fallback behind the
	// fast usage counter.
	CountCharged(ctx context.Context, userID, date string) (int64, error)
	// CountForDate counts all entries across users for a calendar day.
	CountForDate(ctx context.Context, date string) (int64, error)
	// ListForUser returns up to limit most recent entries for a user.
	ListForUser(ctx context.Context, userID string, limit int) ([]OperationRecord, error)
	// DeleteBefore removes entries older than cutoff, returning the count.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// UserStore manages user account records (tier, join date). Read-mostly from
// the core's perspective.
type UserStore interface {
	Get(ctx context.Context, userID string) (*UserRecord, error)
	Upsert(ctx context.Context, user UserRecord) error
	List(ctx context.Context) ([]UserRecord, error)
	CountByTier(ctx context.Context) (total, premium int64, err error)
	TouchLastSeen(ctx context.Context, userID string, seen time.Time) error
}

// CounterStore is the fast usage tier: a volatile per-(user, day) counter
// with an atomic increment-and-compare admission primitive. Implemented on
// Redis; absent or invalidated counters are rebuilt from the operation log.
type CounterStore interface {
	// TryConsume atomically increments the counter for (userID, date) and
	// returns (true, newCount) if the pre-increment count was below ceiling,
	// or (false, currentCount) without incrementing otherwise. The key
	// expires after ttl. Returns ErrNotFound if no counter exists yet; the
	// caller must seed one via SetCount before retrying.
	TryConsume(ctx context.Context, userID, date string, ceiling int64, ttl time.Duration) (bool, int64, error)
	// GetCount returns the current count, or ErrNotFound on a cache miss.
	GetCount(ctx context.Context, userID, date string) (int64, error)
	// SetCount seeds the counter for (userID, date) if it does not already
	// exist, then returns the stored value.
	SetCount(ctx context.Context, userID, date string, count int64, ttl time.Duration) (int64, error)
	// Incr charges one slot on an existing counter, settling an operation
	// that was admitted while the counter could not be consulted. Missing
	// counters are a no-op; the next read rebuilds from the operation log,
	// which already holds the settled entry.
	Incr(ctx context.Context, userID, date string) error
	// Decr refunds one slot, flooring at zero. Missing counters are a no-op.
	Decr(ctx context.Context, userID, date string) error
	Close() error
}
