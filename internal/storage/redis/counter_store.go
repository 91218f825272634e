package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docfold/docfold/internal/storage"
	"github.com/redis/go-redis/v9"
)

type counterStore struct {
	client *redis.Client
}

func counterKey(userID, date string) string {
	return fmt.Sprintf("docfold:usage:daily:%s:%s", userID, date)
}

// wrapErr maps client errors onto the storage sentinels: redis.Nil becomes
// ErrNotFound, anything else means the fast tier is unreachable.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if ttl > 0 && secs == 0 {
		secs = 1
	}
	return secs
}

func (s *counterStore) TryConsume(ctx context.Context, userID, date string, ceiling int64, ttl time.Duration) (bool, int64, error) {
	script := redis.NewScript(tryConsumeScript)

	res, err := script.Run(ctx, s.client, []string{counterKey(userID, date)}, ceiling, ttlSeconds(ttl)).Int64Slice()
	if err != nil {
		return false, 0, wrapErr(err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected try-consume reply: %v", res)
	}

	switch res[0] {
	case -1:
		return false, 0, storage.ErrNotFound
	case 0:
		return false, res[1], nil
	default:
		return true, res[1], nil
	}
}

func (s *counterStore) GetCount(ctx context.Context, userID, date string) (int64, error) {
	count, err := s.client.Get(ctx, counterKey(userID, date)).Int64()
	if err != nil {
		return 0, wrapErr(err)
	}
	return count, nil
}

func (s *counterStore) SetCount(ctx context.Context, userID, date string, count int64, ttl time.Duration) (int64, error) {
	script := redis.NewScript(seedCountScript)

	stored, err := script.Run(ctx, s.client, []string{counterKey(userID, date)}, count, ttlSeconds(ttl)).Int64()
	if err != nil {
		return 0, wrapErr(err)
	}
	return stored, nil
}

func (s *counterStore) Incr(ctx context.Context, userID, date string) error {
	script := redis.NewScript(settleScript)

	if err := script.Run(ctx, s.client, []string{counterKey(userID, date)}).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (s *counterStore) Decr(ctx context.Context, userID, date string) error {
	script := redis.NewScript(refundScript)

	if err := script.Run(ctx, s.client, []string{counterKey(userID, date)}).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (s *counterStore) Close() error {
	return s.client.Close()
}
