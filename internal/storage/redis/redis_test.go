package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/worktimer/internal/config"
	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := config.RedisConfig{
		Host:         mr.Addr(), // Full address "host:port"
		Port:         0,         // Not used when host contains port
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func newTimer(t *testing.T, userID string) *timer.State {
	t.Helper()
	state, err := timer.New(timer.StartParams{
		UserID:         userID,
		ProjectID:      "project-1",
		JobCardID:      "card-1",
		Title:          "Build",
		AllocatedHours: 2,
		DeviceID:       "laptop",
	}, time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("new timer: %v", err)
	}
	return state
}

func TestTimerStore_CreateAndGetActive(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	state := newTimer(t, "user-1")
	created, err := store.Timers().Create(ctx, state, "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID != state.ID {
		t.Fatalf("Expected ID %s, got %s", state.ID, created.ID)
	}

	active, err := store.Timers().GetActive(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.TimeRemaining != 7200 || active.SyncVersion != 1 {
		t.Errorf("Unexpected active timer: %+v", active)
	}

	if !mr.Exists(activeKey("user-1")) {
		t.Error("Expected active pointer key")
	}
	if ok, _ := mr.SIsMember(activeTimersKey, state.ID); !ok {
		t.Error("Expected timer in active set")
	}
}

func TestTimerStore_GetActiveNotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	if _, err := store.Timers().GetActive(context.Background(), "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestTimerStore_OneActivePerUser(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	first := newTimer(t, "user-1")
	if _, err := store.Timers().Create(ctx, first, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	second := newTimer(t, "user-1")
	existing, err := store.Timers().Create(ctx, second, "")
	if !errors.Is(err, storage.ErrActiveTimerExists) {
		t.Fatalf("Expected ErrActiveTimerExists, got %v", err)
	}
	if existing == nil || existing.ID != first.ID {
		t.Fatalf("Expected existing timer %s to be returned", first.ID)
	}

	// Another user is unaffected
	if _, err := store.Timers().Create(ctx, newTimer(t, "user-2"), ""); err != nil {
		t.Fatalf("Create for second user failed: %v", err)
	}
}

func TestTimerStore_IdempotencyKeysArePerUser(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	alice := newTimer(t, "alice")
	alice.ProjectID = "secret-project"
	if _, err := store.Timers().Create(ctx, alice, "req-1"); err != nil {
		t.Fatalf("Create for alice failed: %v", err)
	}

	bob := newTimer(t, "bob")
	got, err := store.Timers().Create(ctx, bob, "req-1")
	if err != nil {
		t.Fatalf("Create for bob failed: %v", err)
	}
	if got.ID != bob.ID || got.UserID != "bob" {
		t.Fatalf("Expected bob's own timer, got %s owned by %s", got.ID, got.UserID)
	}
	if !mr.Exists(idemKey("alice", "req-1")) || !mr.Exists(idemKey("bob", "req-1")) {
		t.Fatal("Expected one idempotency record per user")
	}
}

func TestTimerStore_RejectsForeignIdempotencyRecord(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	data, err := json.Marshal(newTimer(t, "alice"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := mr.Set(idemKey("bob", "req-1"), string(data)); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	_, err = store.Timers().Create(ctx, newTimer(t, "bob"), "req-1")
	if !errors.Is(err, storage.ErrIdempotencyMismatch) {
		t.Fatalf("Expected ErrIdempotencyMismatch, got %v", err)
	}
	if _, err := store.Timers().GetActive(ctx, "bob"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Rejected replay must not create a timer, got %v", err)
	}
}

func TestTimerStore_IdempotentCreate(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	first := newTimer(t, "user-1")
	if _, err := store.Timers().Create(ctx, first, "key-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	replay := newTimer(t, "user-1")
	got, err := store.Timers().Create(ctx, replay, "key-1")
	if err != nil {
		t.Fatalf("Replay should not fail, got %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("Expected original timer %s, got %s", first.ID, got.ID)
	}

	if ttl := mr.TTL(idemKey("user-1", "key-1")); ttl != idempotencyTTL {
		t.Errorf("Expected idempotency TTL %v, got %v", idempotencyTTL, ttl)
	}

	// The key still resolves after the timer is stopped
	if err := store.Timers().Delete(ctx, "user-1", first.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, err = store.Timers().Create(ctx, newTimer(t, "user-1"), "key-1")
	if err != nil || got.ID != first.ID {
		t.Fatalf("Expected replay of %s after stop, got %v / %v", first.ID, got, err)
	}
}

func TestTimerStore_UpdateCompareAndSet(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	state := newTimer(t, "user-1")
	if _, err := store.Timers().Create(ctx, state, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := state.Pause(time.Now(), 3); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := store.Timers().Update(ctx, state, 1); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Stale writer still expects version 1
	stale := state.Clone()
	stale.SyncVersion = 2
	if err := store.Timers().Update(ctx, stale, 1); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}

	got, err := store.Timers().GetActive(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if !got.IsPaused || got.SyncVersion != 2 {
		t.Fatalf("Expected paused timer at version 2, got %+v", got)
	}

	missing := newTimer(t, "user-9")
	if err := store.Timers().Update(ctx, missing, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestTimerStore_DeleteIsIdempotent(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	state := newTimer(t, "user-1")
	if _, err := store.Timers().Create(ctx, state, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.Timers().Delete(ctx, "user-1", state.ID); err != nil {
			t.Fatalf("Delete %d failed: %v", i, err)
		}
	}

	if mr.Exists(timerKey(state.ID)) || mr.Exists(activeKey("user-1")) {
		t.Fatal("Expected timer keys to be removed")
	}

	active, err := store.Timers().ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("Expected no active timers, got %d", len(active))
	}
}

func TestTimerStore_ListActive(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for _, user := range []string{"user-1", "user-2", "user-3"} {
		if _, err := store.Timers().Create(ctx, newTimer(t, user), ""); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	active, err := store.Timers().ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("Expected 3 active timers, got %d", len(active))
	}
}

func TestTimerStore_Subscribe(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := store.Timers().Subscribe(ctx, "user-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	state := newTimer(t, "user-1")
	if _, err := store.Timers().Create(ctx, state, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	select {
	case change := <-changes:
		if change.Kind != storage.ChangeCreated || change.TimerID != state.ID {
			t.Fatalf("Unexpected change: %+v", change)
		}
		if change.DeviceID != "laptop" {
			t.Errorf("Expected device laptop, got %s", change.DeviceID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for change notification")
	}

	cancel()
	select {
	case _, ok := <-changes:
		if ok {
			// Drain any in-flight message, the channel must still close
			for range changes {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected change channel to close after cancel")
	}
}

func TestApprovalStore_CreateUpdateList(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"req-1", "req-2", "req-3"} {
		req := storage.ApprovalRequest{
			ID:                id,
			FreelancerID:      "freelancer-1",
			ProjectID:         "project-1",
			AllocatedHours:    60,
			RequiredApprovals: 2,
			Status:            storage.StatusPending,
			Version:           1,
			CreatedAt:         now.Add(time.Duration(i) * time.Minute),
		}
		if id == "req-3" {
			req.ProjectID = "project-2"
		}
		if err := store.Approvals().Create(ctx, req); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	if err := store.Approvals().Create(ctx, storage.ApprovalRequest{ID: "req-1", Version: 1}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", err)
	}

	req, err := store.Approvals().Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	req.Approvals = append(req.Approvals, storage.Vote{AdminID: "admin-a", Decision: storage.DecisionApprove, CastAt: now})
	req.Version = 2
	if err := store.Approvals().Update(ctx, *req, 1); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := store.Approvals().Update(ctx, *req, 1); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}

	list, err := store.Approvals().List(ctx, storage.ApprovalFilter{ProjectID: "project-1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 requests for project-1, got %d", len(list))
	}
	if list[0].ID != "req-2" {
		t.Errorf("Expected newest first, got %s", list[0].ID)
	}

	limited, err := store.Approvals().List(ctx, storage.ApprovalFilter{Limit: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "req-3" {
		t.Fatalf("Expected only req-3, got %+v", limited)
	}

	if _, err := store.Approvals().Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}
