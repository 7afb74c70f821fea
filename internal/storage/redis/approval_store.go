package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/worktimer/internal/storage"
	"github.com/redis/go-redis/v9"
)

type approvalStore struct {
	client *redis.Client
	create *redis.Script
	update *redis.Script
}

func newApprovalStore(client *redis.Client) *approvalStore {
	return &approvalStore{
		client: client,
		create: redis.NewScript(createApprovalScript),
		update: redis.NewScript(updateApprovalScript),
	}
}

// Create stores a new approval request
func (s *approvalStore) Create(ctx context.Context, req storage.ApprovalRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode approval request: %w", err)
	}

	keys := []string{approvalKey(req.ID), approvalsIndexKey}
	args := []interface{}{req.ID, string(data), req.Version, req.CreatedAt.UnixNano()}

	status, err := s.create.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return err
	}
	if status == "EXISTS" {
		return storage.ErrAlreadyExists
	}
	return nil
}

// Get retrieves an approval request by ID
func (s *approvalStore) Get(ctx context.Context, id string) (*storage.ApprovalRequest, error) {
	data, err := s.client.HGet(ctx, approvalKey(id), "data").Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return parseApproval(data)
}

// Update replaces an approval request if the stored version matches
func (s *approvalStore) Update(ctx context.Context, req storage.ApprovalRequest, expectedVersion int64) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode approval request: %w", err)
	}

	status, err := s.update.Run(ctx, s.client, []string{approvalKey(req.ID)}, string(data), req.Version, expectedVersion).Text()
	if err != nil {
		return err
	}

	switch status {
	case "OK":
		return nil
	case "NOT_FOUND":
		return storage.ErrNotFound
	case "CONFLICT":
		return storage.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected update status: %s", status)
	}
}

// List returns approval requests, newest first
func (s *approvalStore) List(ctx context.Context, filter storage.ApprovalFilter) ([]storage.ApprovalRequest, error) {
	ids, err := s.client.ZRevRange(ctx, approvalsIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.ApprovalRequest{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, approvalKey(id), "data")
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	requests := make([]storage.ApprovalRequest, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		req, err := parseApproval(data)
		if err != nil || !filter.Matches(*req) {
			continue
		}
		requests = append(requests, *req)
		if filter.Limit > 0 && len(requests) >= filter.Limit {
			break
		}
	}

	return requests, nil
}
