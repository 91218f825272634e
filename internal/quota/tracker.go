// Package quota implements the daily usage tracker: a per-(user, day)
// counter held in a fast Redis tier with the append-only operation log as
// durable fallback.
//
// Charging contract: TryConsume is the only admission gate and increments the
// fast counter atomically. Record appends the durable entry for every
// executed attempt; attempts that failed on user-fixable input are recorded
// with charged=false and the fast counter is refunded, while attempts
// admitted through the durable fallback settle a charge onto a live counter
// after the fact. The invariant fast_counter == count(charged log entries)
// therefore holds on both admission paths. A denial at the ceiling is
// neither charged nor logged.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docfold/docfold/internal/metrics"
	"github.com/docfold/docfold/internal/storage"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	// tierCacheSize bounds the in-process tier lookup cache.
	tierCacheSize = 4096

	// tierCacheTTL keeps tier upgrades visible within a few minutes.
	tierCacheTTL = 5 * time.Minute

	// minCounterTTL guards against a zero TTL right at the day boundary.
	minCounterTTL = time.Minute
)

// Admission is the result of an admission check.
type Admission struct {
	Admitted bool
	Used     int64
	Ceiling  int64
	Tier     storage.Tier
	Day      string
}

// RecordInput describes one executed attempt for the durable log.
type RecordInput struct {
	UserID      string
	Kind        string
	Outcome     storage.Outcome
	InputBytes  int64
	OutputBytes int64
	Duration    time.Duration
	Detail      string

	// Day is the admission's calendar day from TryConsume. Settling against
	// it keeps counter updates and pending releases on the day that was
	// charged, even when execution crosses midnight. Empty falls back to
	// the record timestamp's day.
	Day string
}

// Tracker is the authoritative daily usage counter per user.
type Tracker struct {
	counters  storage.CounterStore // nil when the fast tier is disabled
	oplog     storage.OperationLogStore
	users     storage.UserStore
	policy    Policy
	loc       *time.Location
	tierCache *expirable.LRU[string, storage.Tier]
	logger    zerolog.Logger

	// pending tracks admitted-but-unrecorded attempts per (user, day) for
	// the durable fallback path, where admission cannot increment anything.
	mu      sync.Mutex
	pending map[string]int64
}

// NewTracker creates a usage tracker over the fast counter tier and the
// durable operation log. counters may be nil to run durable-only.
func NewTracker(counters storage.CounterStore, oplog storage.OperationLogStore, users storage.UserStore, policy Policy, loc *time.Location, logger zerolog.Logger) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{
		counters:  counters,
		oplog:     oplog,
		users:     users,
		policy:    policy,
		loc:       loc,
		tierCache: expirable.NewLRU[string, storage.Tier](tierCacheSize, nil, tierCacheTTL),
		logger:    logger.With().Str("component", "quota-tracker").Logger(),
	}
}

// Day returns the calendar day for t in the tracker's reference time zone.
func (t *Tracker) Day(now time.Time) string {
	return now.In(t.loc).Format("2006-01-02")
}

// counterTTL returns how long a daily counter should live: until the end of
// the current day in the reference zone.
func (t *Tracker) counterTTL(now time.Time) time.Duration {
	local := now.In(t.loc)
	endOfDay := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, t.loc)
	ttl := endOfDay.Sub(local)
	if ttl < minCounterTTL {
		ttl = minCounterTTL
	}
	return ttl
}

// GetTier resolves a user's tier, caching lookups. Unknown users are free.
func (t *Tracker) GetTier(ctx context.Context, userID string) (storage.Tier, error) {
	if tier, ok := t.tierCache.Get(userID); ok {
		return tier, nil
	}

	user, err := t.users.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.TierFree, nil
		}
		return storage.TierFree, fmt.Errorf("resolve tier: %w", err)
	}

	t.tierCache.Add(userID, user.Tier)
	return user.Tier, nil
}

// InvalidateTier drops a cached tier, e.g. after an upgrade.
func (t *Tracker) InvalidateTier(userID string) {
	t.tierCache.Remove(userID)
}

// GetUsage returns the usage count for (userID, day). On a fast-tier miss the
// counter is rebuilt from the durable log before answering; zero is never
// returned silently for a missing counter.
func (t *Tracker) GetUsage(ctx context.Context, userID, day string) (int64, error) {
	if t.counters != nil {
		count, err := t.counters.GetCount(ctx, userID, day)
		switch {
		case err == nil:
			return count + t.pendingFor(userID, day), nil
		case errors.Is(err, storage.ErrNotFound):
			return t.rebuildCounter(ctx, userID, day)
		case errors.Is(err, storage.ErrUnavailable):
			t.logger.Warn().Err(err).Str("user_id", userID).Msg("Fast tier unreachable, counting from durable log")
		default:
			return 0, err
		}
	}
	return t.durableUsage(ctx, userID, day)
}

// rebuildCounter reconstructs the fast counter from the durable log and
// seeds it opportunistically.
func (t *Tracker) rebuildCounter(ctx context.Context, userID, day string) (int64, error) {
	count, err := t.oplog.CountCharged(ctx, userID, day)
	if err != nil {
		return 0, fmt.Errorf("count charged operations: %w", err)
	}

	stored, err := t.counters.SetCount(ctx, userID, day, count, t.counterTTL(time.Now()))
	if err != nil {
		// Seeding is best effort; the durable count is already correct.
		t.logger.Warn().Err(err).Str("user_id", userID).Str("day", day).Msg("Failed to seed fast counter")
		return count + t.pendingFor(userID, day), nil
	}
	return stored + t.pendingFor(userID, day), nil
}

// durableUsage answers straight from the operation log.
func (t *Tracker) durableUsage(ctx context.Context, userID, day string) (int64, error) {
	metrics.QuotaFallbacks.Inc()
	count, err := t.oplog.CountCharged(ctx, userID, day)
	if err != nil {
		return 0, fmt.Errorf("count charged operations: %w", err)
	}
	return count + t.pendingFor(userID, day), nil
}

// TryConsume is the single admission gate. Effectively atomic per
// (user, day): the fast tier uses an increment-and-compare script; the
// durable fallback serializes through the tracker and reserves the slot in
// pending until Record settles it.
func (t *Tracker) TryConsume(ctx context.Context, userID string) (Admission, error) {
	tier, err := t.GetTier(ctx, userID)
	if err != nil {
		return Admission{}, err
	}

	now := time.Now()
	adm := Admission{
		Tier:    tier,
		Ceiling: t.policy.Ceiling(tier),
		Day:     t.Day(now),
	}

	if t.counters != nil {
		ok, count, err := t.tryConsumeFast(ctx, userID, adm.Ceiling, now)
		switch {
		case err == nil:
			adm.Admitted = ok
			adm.Used = count
			if !ok {
				metrics.QuotaDenied.WithLabelValues(string(tier)).Inc()
			}
			return adm, nil
		case errors.Is(err, storage.ErrUnavailable):
			t.logger.Warn().Err(err).Str("user_id", userID).Msg("Fast tier unreachable, admitting via durable log")
		default:
			return Admission{}, err
		}
	}

	ok, count, err := t.tryConsumeDurable(ctx, userID, adm.Day, adm.Ceiling)
	if err != nil {
		return Admission{}, err
	}
	adm.Admitted = ok
	adm.Used = count
	if !ok {
		metrics.QuotaDenied.WithLabelValues(string(tier)).Inc()
	}
	return adm, nil
}

// tryConsumeFast runs the increment-and-compare script, rebuilding the
// counter from the durable log on a miss.
func (t *Tracker) tryConsumeFast(ctx context.Context, userID string, ceiling int64, now time.Time) (bool, int64, error) {
	day := t.Day(now)
	ttl := t.counterTTL(now)

	for attempt := 0; attempt < 2; attempt++ {
		ok, count, err := t.counters.TryConsume(ctx, userID, day, ceiling, ttl)
		if err == nil {
			return ok, count, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return false, 0, err
		}

		seed, err := t.oplog.CountCharged(ctx, userID, day)
		if err != nil {
			return false, 0, fmt.Errorf("count charged operations: %w", err)
		}
		if _, err := t.counters.SetCount(ctx, userID, day, seed, ttl); err != nil {
			return false, 0, err
		}
	}
	return false, 0, fmt.Errorf("fast counter vanished twice for %s/%s", userID, day)
}

// tryConsumeDurable is the degraded path: count charged log entries plus
// in-flight reservations, serialized in-process per user-day.
func (t *Tracker) tryConsumeDurable(ctx context.Context, userID, day string, ceiling int64) (bool, int64, error) {
	metrics.QuotaFallbacks.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	count, err := t.oplog.CountCharged(ctx, userID, day)
	if err != nil {
		return false, 0, fmt.Errorf("count charged operations: %w", err)
	}

	key := userID + "/" + day
	effective := count + t.pending[key]
	if effective >= ceiling {
		return false, effective, nil
	}

	if t.pending == nil {
		t.pending = make(map[string]int64)
	}
	t.pending[key]++
	return true, effective + 1, nil
}

// Record settles an admitted attempt: it appends the durable entry and
// reconciles the fast counter. A fast-path admission already incremented the
// counter, so only uncharged outcomes need a refund; a fallback admission
// never touched the counter, so charged outcomes increment it now. Must be
// called exactly once per admitted attempt, success or failure.
func (t *Tracker) Record(ctx context.Context, in RecordInput) error {
	charged := in.Outcome != storage.OutcomeInputError

	rec := storage.OperationRecord{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		Kind:        in.Kind,
		Timestamp:   time.Now(),
		Outcome:     in.Outcome,
		Charged:     charged,
		InputBytes:  in.InputBytes,
		OutputBytes: in.OutputBytes,
		DurationMS:  in.Duration.Milliseconds(),
		Detail:      in.Detail,
	}

	day := in.Day
	if day == "" {
		day = rec.Date(t.loc)
	}
	fellBack := t.releasePending(in.UserID, day)

	if err := t.oplog.Append(ctx, rec); err != nil {
		return fmt.Errorf("append operation record: %w", err)
	}

	if t.counters != nil {
		switch {
		case fellBack && charged:
			// The counter missed this admission; bring it back in line with
			// the charged log entries if it is still (or again) live.
			if err := t.counters.Incr(ctx, in.UserID, day); err != nil {
				t.logger.Warn().Err(err).Str("user_id", in.UserID).Msg("Failed to settle fast counter")
			}
		case !fellBack && !charged:
			if err := t.counters.Decr(ctx, in.UserID, day); err != nil {
				// The refund is lost until the next counter rebuild; log and
				// carry on rather than failing a finished operation.
				t.logger.Warn().Err(err).Str("user_id", in.UserID).Msg("Failed to refund fast counter")
			}
		}
	}

	t.logger.Debug().
		Str("user_id", in.UserID).
		Str("kind", in.Kind).
		Str("outcome", string(in.Outcome)).
		Bool("charged", charged).
		Msg("Recorded operation")

	return nil
}

// releasePending drops one reservation for (userID, day) and reports
// whether one existed, i.e. whether this attempt was admitted through the
// durable fallback.
func (t *Tracker) releasePending(userID, day string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := userID + "/" + day
	if t.pending[key] > 0 {
		t.pending[key]--
		if t.pending[key] == 0 {
			delete(t.pending, key)
		}
		return true
	}
	return false
}

func (t *Tracker) pendingFor(userID, day string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[userID+"/"+day]
}

// Stats summarizes a user's position against the ceiling for today.
type Stats struct {
	Tier      storage.Tier
	Used      int64
	Ceiling   int64
	Remaining int64
	Day       string
}

// StatsFor reports today's usage for a user.
func (t *Tracker) StatsFor(ctx context.Context, userID string) (Stats, error) {
	tier, err := t.GetTier(ctx, userID)
	if err != nil {
		return Stats{}, err
	}

	day := t.Day(time.Now())
	used, err := t.GetUsage(ctx, userID, day)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Tier:    tier,
		Used:    used,
		Ceiling: t.policy.Ceiling(tier),
		Day:     day,
	}
	stats.Remaining = stats.Ceiling - used
	if stats.Remaining < 0 {
		stats.Remaining = 0
	}
	return stats, nil
}
