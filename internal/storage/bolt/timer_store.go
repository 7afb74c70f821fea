package bolt

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
	"go.etcd.io/bbolt"
)

type timerStore struct {
	store *Store
}

// idemKey scopes an idempotency key to the user that supplied it.
func idemKey(userID, key string) []byte {
	return []byte(userID + "/" + key)
}

type idempotencyRecord struct {
	State     timer.State `json:"state"`
	ExpiresAt time.Time   `json:"expires_at"`
}

func (s *timerStore) Create(ctx context.Context, state *timer.State, idempotencyKey string) (*timer.State, error) {
	data, err := marshal(state)
	if err != nil {
		return nil, err
	}

	var result *timer.State
	var created bool
	err = s.store.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		timers := tx.Bucket([]byte(bucketTimers))
		active := tx.Bucket([]byte(bucketActive))
		idem := tx.Bucket([]byte(bucketIdempotency))

		if idempotencyKey != "" {
			if raw := idem.Get(idemKey(state.UserID, idempotencyKey)); raw != nil {
				var record idempotencyRecord
				if err := unmarshal(raw, &record); err != nil {
					return err
				}
				if s.store.now().Before(record.ExpiresAt) {
					if record.State.UserID != state.UserID {
						return storage.ErrIdempotencyMismatch
					}
					result = &record.State
					return nil
				}
			}
		}

		if activeID := active.Get([]byte(state.UserID)); activeID != nil {
			if raw := timers.Get(activeID); raw != nil {
				var existing timer.State
				if err := unmarshal(raw, &existing); err != nil {
					return err
				}
				result = &existing
				return storage.ErrActiveTimerExists
			}
		}

		if err := timers.Put([]byte(state.ID), data); err != nil {
			return err
		}
		if err := active.Put([]byte(state.UserID), []byte(state.ID)); err != nil {
			return err
		}
		if idempotencyKey != "" {
			record, err := marshal(idempotencyRecord{State: *state, ExpiresAt: s.store.now().Add(idempotencyTTL)})
			if err != nil {
				return err
			}
			if err := idem.Put(idemKey(state.UserID, idempotencyKey), record); err != nil {
				return err
			}
		}

		result = state.Clone()
		created = true
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrActiveTimerExists) {
			return result, err
		}
		return nil, err
	}

	if created {
		s.store.notifier.publish(storage.TimerChange{
			Kind:        storage.ChangeCreated,
			UserID:      state.UserID,
			TimerID:     state.ID,
			SyncVersion: state.SyncVersion,
			DeviceID:    state.DeviceID,
		})
	}
	return result, nil
}

func (s *timerStore) GetActive(ctx context.Context, userID string) (*timer.State, error) {
	var result *timer.State
	err := s.store.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		activeID := tx.Bucket([]byte(bucketActive)).Get([]byte(userID))
		if activeID == nil {
			return storage.ErrNotFound
		}
		raw := tx.Bucket([]byte(bucketTimers)).Get(activeID)
		if raw == nil {
			return storage.ErrNotFound
		}
		var state timer.State
		if err := unmarshal(raw, &state); err != nil {
			return err
		}
		result = &state
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *timerStore) Update(ctx context.Context, state *timer.State, expectedVersion int64) error {
	data, err := marshal(state)
	if err != nil {
		return err
	}

	err = s.store.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		timers := tx.Bucket([]byte(bucketTimers))
		raw := timers.Get([]byte(state.ID))
		if raw == nil {
			return storage.ErrNotFound
		}
		var current timer.State
		if err := unmarshal(raw, &current); err != nil {
			return err
		}
		if current.SyncVersion != expectedVersion {
			return storage.ErrVersionConflict
		}
		return timers.Put([]byte(state.ID), data)
	})
	if err != nil {
		return err
	}

	s.store.notifier.publish(storage.TimerChange{
		Kind:        storage.ChangeUpdated,
		UserID:      state.UserID,
		TimerID:     state.ID,
		SyncVersion: state.SyncVersion,
		DeviceID:    state.DeviceID,
	})
	return nil
}

func (s *timerStore) Delete(ctx context.Context, userID, timerID string) error {
	var removed bool
	err := s.store.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		active := tx.Bucket([]byte(bucketActive))
		if string(active.Get([]byte(userID))) == timerID {
			if err := active.Delete([]byte(userID)); err != nil {
				return err
			}
		}
		timers := tx.Bucket([]byte(bucketTimers))
		if timers.Get([]byte(timerID)) == nil {
			return nil
		}
		removed = true
		return timers.Delete([]byte(timerID))
	})
	if err != nil {
		return err
	}

	if removed {
		s.store.notifier.publish(storage.TimerChange{
			Kind:    storage.ChangeDeleted,
			UserID:  userID,
			TimerID: timerID,
		})
	}
	return nil
}

func (s *timerStore) ListActive(ctx context.Context) ([]timer.State, error) {
	return listBucket[timer.State](ctx, s.store.db, bucketTimers)
}

func (s *timerStore) Subscribe(ctx context.Context, userID string) (<-chan storage.TimerChange, error) {
	return s.store.notifier.subscribe(ctx, userID), nil
}
