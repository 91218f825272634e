package bolt

import (
	"bytes"
	"context"

	"time"

	"github.com/docfold/docfold/internal/storage"
	"go.etcd.io/bbolt"
)

type operationLogStore struct {
	db  *bbolt.DB
	loc *time.Location
}

func (s *operationLogStore) Append(ctx context.Context, rec storage.OperationRecord) error {
	key, err := logKey(rec.UserID, rec.Timestamp)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = key
	}
	return putBucketValue(ctx, s.db, bucketOperations, key, rec)
}

func (s *operationLogStore) CountCharged(ctx context.Context, userID, date string) (int64, error) {
	var count int64
	prefix := []byte(userID + "/")
	return count, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketOperations))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var rec storage.OperationRecord
			if err := unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Charged && rec.Date(s.loc) == date {
				count++
			}
		}
		return nil
	})
}

func (s *operationLogStore) CountForDate(ctx context.Context, date string) (int64, error) {
	var count int64
	return count, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketOperations))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var rec storage.OperationRecord
			if err := unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Date(s.loc) == date {
				count++
			}
			return nil
		})
	})
}

func (s *operationLogStore) ListForUser(ctx context.Context, userID string, limit int) ([]storage.OperationRecord, error) {
	records := make([]storage.OperationRecord, 0, limit)
	prefix := []byte(userID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketOperations))
		if b == nil {
			return nil
		}
		// Keys are timestamp-ordered per user, so walk backwards from the
		// end of the user's prefix range for most-recent-first output.
		c := b.Cursor()
		end := append(append([]byte{}, prefix...), 0xff)
		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var rec storage.OperationRecord
			if err := unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			if limit > 0 && len(records) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *operationLogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	return deleted, s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketOperations))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var rec storage.OperationRecord
			if err := unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Timestamp.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
}
