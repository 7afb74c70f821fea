package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
	"github.com/redis/go-redis/v9"
)

// idempotencyTTL bounds how long a start request can be replayed.
const idempotencyTTL = 24 * time.Hour

type timerStore struct {
	client *redis.Client
	create *redis.Script
	update *redis.Script
	delete *redis.Script
}

func newTimerStore(client *redis.Client) *timerStore {
	return &timerStore{
		client: client,
		create: redis.NewScript(createTimerScript),
		update: redis.NewScript(updateTimerScript),
		delete: redis.NewScript(deleteTimerScript),
	}
}

// Create stores a new active timer for the user
func (s *timerStore) Create(ctx context.Context, state *timer.State, idempotencyKey string) (*timer.State, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode timer: %w", err)
	}
	change, err := encodeChange(storage.TimerChange{
		Kind:        storage.ChangeCreated,
		UserID:      state.UserID,
		TimerID:     state.ID,
		SyncVersion: state.SyncVersion,
		DeviceID:    state.DeviceID,
	})
	if err != nil {
		return nil, err
	}

	keys := []string{
		timerKey(state.ID),
		activeKey(state.UserID),
		idemKey(state.UserID, idempotencyKey),
		activeTimersKey,
		changeChannel(state.UserID),
	}
	args := []interface{}{
		state.ID,
		string(data),
		state.SyncVersion,
		idempotencyKey,
		int64(idempotencyTTL / time.Second),
		state.UserID,
		timerKeyPrefix,
		change,
	}

	res, err := s.create.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected create result: %v", res)
	}

	status, _ := res[0].(string)
	payload, _ := res[1].(string)
	stored, err := parseTimer(payload)
	if err != nil {
		return nil, err
	}

	switch status {
	case "OK":
		return stored, nil
	case "IDEMPOTENT":
		if stored.UserID != state.UserID {
			return nil, storage.ErrIdempotencyMismatch
		}
		return stored, nil
	case "EXISTS":
		return stored, storage.ErrActiveTimerExists
	default:
		return nil, fmt.Errorf("unexpected create status: %s", status)
	}
}

// GetActive returns the user's active timer
func (s *timerStore) GetActive(ctx context.Context, userID string) (*timer.State, error) {
	id, err := s.client.Get(ctx, activeKey(userID)).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	data, err := s.client.HGet(ctx, timerKey(id), "data").Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return parseTimer(data)
}

// Update replaces a timer if the stored sync version matches
func (s *timerStore) Update(ctx context.Context, state *timer.State, expectedVersion int64) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode timer: %w", err)
	}
	change, err := encodeChange(storage.TimerChange{
		Kind:        storage.ChangeUpdated,
		UserID:      state.UserID,
		TimerID:     state.ID,
		SyncVersion: state.SyncVersion,
		DeviceID:    state.DeviceID,
	})
	if err != nil {
		return err
	}

	keys := []string{timerKey(state.ID), changeChannel(state.UserID)}
	args := []interface{}{string(data), state.SyncVersion, expectedVersion, change}

	status, err := s.update.Run(ctx, s.client, keys, args...).Text()
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

// Delete removes a timer and its indexes
func (s *timerStore) Delete(ctx context.Context, userID, timerID string) error {
	change, err := encodeChange(storage.TimerChange{
		Kind:    storage.ChangeDeleted,
		UserID:  userID,
		TimerID: timerID,
	})
	if err != nil {
		return err
	}

	keys := []string{
		timerKey(timerID),
		activeKey(userID),
		activeTimersKey,
		changeChannel(userID),
	}

	return s.delete.Run(ctx, s.client, keys, timerID, change).Err()
}

// ListActive returns all active timers
func (s *timerStore) ListActive(ctx context.Context) ([]timer.State, error) {
	ids, err := s.client.SMembers(ctx, activeTimersKey).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []timer.State{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, timerKey(id), "data")
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	timers := make([]timer.State, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		state, err := parseTimer(data)
		if err == nil {
			timers = append(timers, *state)
		}
	}

	return timers, nil
}

// Subscribe streams change notifications for a user's timer
func (s *timerStore) Subscribe(ctx context.Context, userID string) (<-chan storage.TimerChange, error) {
	pubsub := s.client.Subscribe(ctx, changeChannel(userID))

	// Wait for the subscription to be confirmed so no change is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan storage.TimerChange, 16)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change storage.TimerChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
