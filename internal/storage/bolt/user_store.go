package bolt

import (
	"context"
	"errors"
	"time"

	"github.com/docfold/docfold/internal/storage"
	"go.etcd.io/bbolt"
)

type userStore struct {
	db *bbolt.DB
}

func (s *userStore) Get(ctx context.Context, userID string) (*storage.UserRecord, error) {
	return getBucketValue[storage.UserRecord](ctx, s.db, bucketUsers, userID)
}

func (s *userStore) Upsert(ctx context.Context, user storage.UserRecord) error {
	if user.Tier == "" {
		user.Tier = storage.TierFree
	}
	return putBucketValue(ctx, s.db, bucketUsers, user.UserID, user)
}

func (s *userStore) List(ctx context.Context) ([]storage.UserRecord, error) {
	return listBucket[storage.UserRecord](ctx, s.db, bucketUsers)
}

func (s *userStore) CountByTier(ctx context.Context) (int64, int64, error) {
	var total, premium int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsers))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var user storage.UserRecord
			if err := unmarshal(v, &user); err != nil {
				return err
			}
			total++
			if user.IsPremium() {
				premium++
			}
			return nil
		})
	})
	if err != nil {
		return 0, 0, err
	}
	return total, premium, nil
}

func (s *userStore) TouchLastSeen(ctx context.Context, userID string, seen time.Time) error {
	user, err := s.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	user.LastSeenAt = seen
	return s.Upsert(ctx, *user)
}
