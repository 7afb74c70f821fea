package bolt

import (
	"context"
	"sort"

	"github.com/goodtune/worktimer/internal/storage"
	"go.etcd.io/bbolt"
)

type approvalStore struct {
	db *bbolt.DB
}

func (s *approvalStore) Create(ctx context.Context, req storage.ApprovalRequest) error {
	data, err := marshal(req)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketApprovals))
		if b.Get([]byte(req.ID)) != nil {
			return storage.ErrAlreadyExists
		}
		return b.Put([]byte(req.ID), data)
	})
}

func (s *approvalStore) Get(ctx context.Context, id string) (*storage.ApprovalRequest, error) {
	return getBucketValue[storage.ApprovalRequest](ctx, s.db, bucketApprovals, id)
}

func (s *approvalStore) Update(ctx context.Context, req storage.ApprovalRequest, expectedVersion int64) error {
	data, err := marshal(req)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketApprovals))
		raw := b.Get([]byte(req.ID))
		if raw == nil {
			return storage.ErrNotFound
		}
		var current storage.ApprovalRequest
		if err := unmarshal(raw, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return storage.ErrVersionConflict
		}
		return b.Put([]byte(req.ID), data)
	})
}

func (s *approvalStore) List(ctx context.Context, filter storage.ApprovalFilter) ([]storage.ApprovalRequest, error) {
	all, err := listBucket[storage.ApprovalRequest](ctx, s.db, bucketApprovals)
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	requests := make([]storage.ApprovalRequest, 0, len(all))
	for _, req := range all {
		if !filter.Matches(req) {
			continue
		}
		requests = append(requests, req)
		if filter.Limit > 0 && len(requests) >= filter.Limit {
			break
		}
	}
	return requests, nil
}
