package bolt

import (
	"context"
	"errors"

	"github.com/goodtune/worktimer/internal/storage"
	"go.etcd.io/bbolt"
)

// SaveCache stores the device's view of the user's timer.
func (s *Store) SaveCache(ctx context.Context, userID, deviceID string, cached storage.CachedTimer) error {
	return putBucketValue(ctx, s.db, bucketCache, deviceKey(userID, deviceID), cached)
}

// LoadCache returns the cached timer or storage.ErrNotFound.
func (s *Store) LoadCache(ctx context.Context, userID, deviceID string) (*storage.CachedTimer, error) {
	return getBucketValue[storage.CachedTimer](ctx, s.db, bucketCache, deviceKey(userID, deviceID))
}

// ClearCache removes the cached timer. Clearing an empty cache is not an error.
func (s *Store) ClearCache(ctx context.Context, userID, deviceID string) error {
	err := deleteBucketValue(ctx, s.db, bucketCache, deviceKey(userID, deviceID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// AppendOutbox persists op under the next sequence number of the device's
// outbox.
func (s *Store) AppendOutbox(ctx context.Context, userID, deviceID string, op storage.OutboxOp) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b, err := tx.Bucket([]byte(bucketOutbox)).CreateBucketIfNotExists([]byte(deviceKey(userID, deviceID)))
		if err != nil {
			return err
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		op.Seq = seq
		data, err := marshal(op)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ListOutbox returns queued operations in sequence order.
func (s *Store) ListOutbox(ctx context.Context, userID, deviceID string) ([]storage.OutboxOp, error) {
	ops := make([]storage.OutboxOp, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketOutbox)).Bucket([]byte(deviceKey(userID, deviceID)))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var op storage.OutboxOp
			if err := unmarshal(v, &op); err != nil {
				return err
			}
			ops = append(ops, op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// DeleteOutbox removes one operation. Removing a missing entry is not an error.
func (s *Store) DeleteOutbox(ctx context.Context, userID, deviceID string, seq uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketOutbox)).Bucket([]byte(deviceKey(userID, deviceID)))
		if b == nil {
			return nil
		}
		return b.Delete(seqKey(seq))
	})
}

// ClearOutbox drops every queued operation for the device.
func (s *Store) ClearOutbox(ctx context.Context, userID, deviceID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := tx.Bucket([]byte(bucketOutbox)).DeleteBucket([]byte(deviceKey(userID, deviceID)))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
