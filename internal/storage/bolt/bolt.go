package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/worktimer/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketTimers      = "timers"
	bucketActive      = "active"
	bucketIdempotency = "idempotency"
	bucketApprovals   = "approvals"
	bucketCache       = "cache"
	bucketOutbox      = "outbox"
)

// idempotencyTTL bounds how long a start request can be replayed.
const idempotencyTTL = 24 * time.Hour

// Store implements storage.Store and storage.LocalStore using bbolt.
type Store struct {
	db       *bbolt.DB
	notifier *notifier
	now      func() time.Time
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db, notifier: newNotifier(), now: time.Now}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			[]byte(bucketTimers),
			[]byte(bucketActive),
			[]byte(bucketIdempotency),
			[]byte(bucketApprovals),
			[]byte(bucketCache),
			[]byte(bucketOutbox),
		}

		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	s.notifier.closeAll()
	return s.db.Close()
}

// Timers returns the timer store.
func (s *Store) Timers() storage.TimerStore { return &timerStore{store: s} }

// Approvals returns the approval store.
func (s *Store) Approvals() storage.ApprovalStore { return &approvalStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func deviceKey(userID, deviceID string) string {
	return userID + "/" + deviceID
}

func listBucket[T any](ctx context.Context, db *bbolt.DB, bucket string) ([]T, error) {
	items := make([]T, 0)
	return items, db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var item T
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
}

func getBucketValue[T any](ctx context.Context, db *bbolt.DB, bucket string, key string) (*T, error) {
	var item *T
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		var result T
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		item = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func putBucketValue(ctx context.Context, db *bbolt.DB, bucket string, key string, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
		return b.Put([]byte(key), data)
	})
}

func deleteBucketValue(ctx context.Context, db *bbolt.DB, bucket string, key string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		if b.Get([]byte(key)) == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(key))
	})
}

// notifier fans committed timer changes out to in-process subscribers.
type notifier struct {
	mu   sync.Mutex
	subs map[string]map[chan storage.TimerChange]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[chan storage.TimerChange]struct{})}
}

func (n *notifier) subscribe(ctx context.Context, userID string) <-chan storage.TimerChange {
	ch := make(chan storage.TimerChange, 16)

	n.mu.Lock()
	if n.subs[userID] == nil {
		n.subs[userID] = make(map[chan storage.TimerChange]struct{})
	}
	n.subs[userID][ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.unsubscribe(userID, ch)
	}()

	return ch
}

func (n *notifier) unsubscribe(userID string, ch chan storage.TimerChange) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[userID][ch]; !ok {
		return
	}
	delete(n.subs[userID], ch)
	if len(n.subs[userID]) == 0 {
		delete(n.subs, userID)
	}
	close(ch)
}

// publish never blocks; a slow subscriber misses the change and catches up
// on its next full sync.
func (n *notifier) publish(change storage.TimerChange) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[change.UserID] {
		select {
		case ch <- change:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for userID, chans := range n.subs {
		for ch := range chans {
			close(ch)
		}
		delete(n.subs, userID)
	}
}
