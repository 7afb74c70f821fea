package timersync

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/worktimer/internal/events"
	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/storage/bolt"
	"github.com/goodtune/worktimer/internal/timer"
)

var errUnreachable = errors.New("dial tcp 10.0.0.1:6379: connect: connection refused")

// flakyTimers simulates an unreachable timer store.
type flakyTimers struct {
	storage.TimerStore
	down    atomic.Bool
	gate    chan struct{}
	entered chan struct{}
}

func (f *flakyTimers) Create(ctx context.Context, state *timer.State, key string) (*timer.State, error) {
	if f.down.Load() {
		return nil, errUnreachable
	}
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.TimerStore.Create(ctx, state, key)
}

func (f *flakyTimers) GetActive(ctx context.Context, userID string) (*timer.State, error) {
	if f.down.Load() {
		return nil, errUnreachable
	}
	return f.TimerStore.GetActive(ctx, userID)
}

func (f *flakyTimers) Update(ctx context.Context, state *timer.State, expected int64) error {
	if f.down.Load() {
		return errUnreachable
	}
	return f.TimerStore.Update(ctx, state, expected)
}

func (f *flakyTimers) Delete(ctx context.Context, userID, timerID string) error {
	if f.down.Load() {
		return errUnreachable
	}
	return f.TimerStore.Delete(ctx, userID, timerID)
}

type memLogs struct {
	mu      sync.Mutex
	entries map[string]timer.LogEntry
}

func (m *memLogs) Record(_ context.Context, entry timer.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = entry
	return nil
}

func (m *memLogs) Get(_ context.Context, id string) (*timer.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &entry, nil
}

func (m *memLogs) ListByUser(_ context.Context, userID string, limit int) ([]timer.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []timer.LogEntry
	for _, entry := range m.entries {
		if entry.UserID == userID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.After(out[j].EndTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type harness struct {
	t      *testing.T
	store  *bolt.Store
	local  *bolt.Store
	remote *flakyTimers
	logs   *memLogs
	clock  *timer.ManualClock
	bus    *events.Bus
}

func newHarness(t *testing.T, opts ...func(*flakyTimers)) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := bolt.Open(filepath.Join(dir, "remote.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	local, err := bolt.Open(filepath.Join(dir, "local.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	remote := &flakyTimers{TimerStore: store.Timers()}
	for _, opt := range opts {
		opt(remote)
	}

	return &harness{
		t:      t,
		store:  store,
		local:  local,
		remote: remote,
		logs:   &memLogs{entries: make(map[string]timer.LogEntry)},
		clock:  timer.NewManualClock(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)),
		bus:    events.NewBus(),
	}
}

func testConfig() Config {
	return Config{
		MaxPauses:      3,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Remote: h.remote,
		Logs:   h.logs,
		Local:  h.local,
		Bus:    h.bus,
		Clock:  h.clock,
		Logger: zerolog.Nop(),
	}
}

func (h *harness) engine(userID, deviceID string) *Engine {
	h.t.Helper()
	e, err := NewEngine(userID, deviceID, h.deps(), testConfig())
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = e.Close() })
	return e
}

func (h *harness) remoteTimer(userID string) (*timer.State, error) {
	return h.store.Timers().GetActive(context.Background(), userID)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func status(t *testing.T, e *Engine) Status {
	t.Helper()
	st, err := e.Status(context.Background())
	require.NoError(t, err)
	return st
}

func ticks(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.Tick(context.Background(), 1)
		require.NoError(t, err)
	}
}

func TestPausedTimerFreezesCountdown(t *testing.T) {
	h := newHarness(t)
	e := h.engine("user-1", "laptop")
	ctx := testContext(t)

	state, err := e.Start(ctx, StartRequest{ProjectID: "project-1", Title: "Design review", AllocatedHours: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(7200), state.TimeRemaining)
	assert.Equal(t, int64(1), state.SyncVersion)

	ticks(t, e, 10)
	assert.Equal(t, int64(7190), status(t, e).State.TimeRemaining)

	h.clock.Advance(10 * time.Second)
	paused, err := e.Pause(ctx)
	require.NoError(t, err)
	assert.True(t, paused.IsPaused)

	ticks(t, e, 5)
	st := status(t, e)
	assert.Equal(t, int64(7190), st.State.TimeRemaining)
	assert.False(t, st.Pending)
	assert.Equal(t, int64(2), st.ConfirmedVersion)

	remote, err := h.remoteTimer("user-1")
	require.NoError(t, err)
	assert.True(t, remote.IsPaused)
	assert.Equal(t, int64(2), remote.SyncVersion)
	assert.Equal(t, int64(7190), remote.TimeRemaining)
}

func TestTicksRequireVisibility(t *testing.T) {
	h := newHarness(t)
	e := h.engine("user-1", "laptop")
	ctx := testContext(t)

	_, err := e.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1})
	require.NoError(t, err)

	require.NoError(t, e.SetVisible(ctx, false))
	ticks(t, e, 5)
	assert.Equal(t, int64(3600), status(t, e).State.TimeRemaining)

	require.NoError(t, e.SetVisible(ctx, true))
	ticks(t, e, 1)
	assert.Equal(t, int64(3599), status(t, e).State.TimeRemaining)
}

func TestPauseLimit(t *testing.T) {
	h := newHarness(t)
	e := h.engine("user-1", "laptop")
	ctx := testContext(t)

	_, err := e.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Pause(ctx)
		require.NoError(t, err)
		_, err = e.Resume(ctx)
		require.NoError(t, err)
	}

	_, err = e.Pause(ctx)
	require.ErrorIs(t, err, timer.ErrPauseLimitExceeded)
	assert.Equal(t, 3, status(t, e).State.PauseCount)

	_, err = e.Resume(ctx)
	require.ErrorIs(t, err, timer.ErrNotPaused)
}

func TestOperationsWithoutTimer(t *testing.T) {
	h := newHarness(t)
	e := h.engine("user-1", "laptop")
	ctx := testContext(t)

	_, err := e.Pause(ctx)
	assert.ErrorIs(t, err, timer.ErrNoActiveTimer)
	_, err = e.Stop(ctx, "", timer.ReasonManual)
	assert.ErrorIs(t, err, timer.ErrNoActiveTimer)
	_, err = e.ResolveConflict(ctx, StrategyMerge)
	assert.ErrorIs(t, err, ErrNoConflict)
	_, err = e.Start(ctx, StartRequest{ProjectID: "project-1"})
	assert.ErrorIs(t, err, timer.ErrInvalidAllocation)
}

func TestIdempotentStart(t *testing.T) {
	h := newHarness(t)
	laptop := h.engine("user-1", "laptop")
	ctx := testContext(t)

	req := StartRequest{ProjectID: "project-1", AllocatedHours: 1, IdempotencyKey: "start-42"}
	first, err := laptop.Start(ctx, req)
	require.NoError(t, err)

	again, err := laptop.Start(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	phone := h.engine("user-1", "phone")
	retried, err := phone.Start(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, retried.ID)

	active, err := h.store.Timers().ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestIdempotencyKeyIsPerUser(t *testing.T) {
	h := newHarness(t)
	alice := h.engine("alice", "laptop")
	bob := h.engine("bob", "laptop")
	ctx := testContext(t)

	theirs, err := alice.Start(ctx, StartRequest{ProjectID: "secret-project", AllocatedHours: 1, IdempotencyKey: "req-1"})
	require.NoError(t, err)

	mine, err := bob.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1, IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.NotEqual(t, theirs.ID, mine.ID)
	assert.Equal(t, "bob", mine.UserID)
	assert.Equal(t, "project-1", mine.ProjectID)

	remote, err := h.remoteTimer("bob")
	require.NoError(t, err)
	assert.Equal(t, mine.ID, remote.ID)
}

func TestSecondDeviceCannotStartAnotherTimer(t *testing.T) {
	h := newHarness(t)
	laptop := h.engine("user-1", "laptop")
	ctx := testContext(t)

	first, err := laptop.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1})
	require.NoError(t, err)

	phone := h.engine("user-1", "phone")
	_, err = phone.Start(ctx, StartRequest{ProjectID: "project-2", AllocatedHours: 3})
	require.ErrorIs(t, err, timer.ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		st := status(t, phone)
		return st.State != nil && st.State.ID == first.ID && !st.Pending
	}, 2*time.Second, 10*time.Millisecond)

	active, err := h.store.Timers().ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)
}

func TestSyncAllRaisesConflictWithoutOverwriting(t *testing.T) {
	h := newHarness(t)
	e := h.engine("user-1", "laptop")
	ctx := testContext(t)

	_, err := e.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 2})
	require.NoError(t, err)
	_, err = e.Pause(ctx)
	require.NoError(t, err)
	local, err := e.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), local.SyncVersion)

	// Another device writes version 4 with a different remaining budget.
	other := local.Clone()
	other.SyncVersion = 4
	other.TimeRemaining = 7100
	other.DeviceID = "tablet"
	require.NoError(t, h.store.Timers().Update(ctx, other, 3))

	err = e.SyncAll(ctx)
	require.ErrorIs(t, err, ErrSyncConflict)
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, int64(3), conflictErr.Conflict.Local.SyncVersion)
	require.NotNil(t, conflictErr.Conflict.Remote)
	assert.Equal(t, int64(4), conflictErr.Conflict.Remote.SyncVersion)

	remote, err := h.remoteTimer("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), remote.SyncVersion)
	assert.Equal(t, int64(7100), remote.TimeRemaining)

	st := status(t, e)
	require.NotNil(t, st.Conflict)
	assert.Equal(t, int64(3), st.State.SyncVersion)
	assert.Equal(t, int64(7200), st.State.TimeRemaining)

	_, err = e.Pause(ctx)
	require.ErrorIs(t, err, ErrSyncConflict)

	resolved, err := e.ResolveConflict(ctx, StrategyMerge)
	require.NoError(t, err)
	assert.Equal(t, int64(5), resolved.SyncVersion)
	assert.Equal(t, int64(7100), resolved.TimeRemaining)

	remote, err = h.remoteTimer("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), remote.SyncVersion)
	assert.Equal(t, int64(7100), remote.TimeRemaining)
	assert.Nil(t, status(t, e).Conflict)
}

func TestConcurrentPauseResolvedWithRemote(t *testing.T) {
	h := newHarness(t)
	laptop := h.engine("user-1", "laptop")
	ctx := testContext(t)

	started, err := laptop.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1})
	require.NoError(t, err)

	phone := h.engine("user-1", "phone")
	require.Eventually(t, func() bool {
		st := status(t, phone)
		return st.State != nil && st.State.ID == started.ID
	}, 2*time.Second, 10*time.Millisecond)

	_, err = phone.Pause(ctx)
	require.NoError(t, err)

	_, err = laptop.Pause(ctx)
	require.ErrorIs(t, err, ErrSyncConflict)

	resolved, err := laptop.ResolveConflict(ctx, StrategyRemote)
	require.NoError(t, err)
	assert.True(t, resolved.IsPaused)
	assert.Equal(t, int64(3), resolved.SyncVersion)

	remote, err := h.remoteTimer("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), remote.SyncVersion)
	assert.True(t, remote.IsPaused)
	assert.Equal(t, 1, remote.PauseCount)
}

func TestResolveConflictBetweenDifferentTimers(t *testing.T) {
	h := newHarness(t)
	laptop := h.engine("user-1", "laptop")
	ctx := testContext(t)

	mine, err := laptop.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1})
	require.NoError(t, err)

	// While the laptop is offline another device replaces the timer.
	require.NoError(t, laptop.SetOnline(ctx, false))
	require.NoError(t, h.store.Timers().Delete(ctx, "user-1", mine.ID))
	theirs, err := timer.New(timer.StartParams{
		UserID:         "user-1",
		ProjectID:      "project-2",
		AllocatedHours: 2,
		DeviceID:       "tablet",
	}, h.clock.Now())
	require.NoError(t, err)
	_, err = h.store.Timers().Create(ctx, theirs, "")
	require.NoError(t, err)

	require.NoError(t, laptop.SetOnline(ctx, true))
	err = laptop.SyncAll(ctx)
	require.ErrorIs(t, err, ErrSyncConflict)
	st := status(t, laptop)
	require.NotNil(t, st.Conflict)
	assert.Equal(t, mine.ID, st.Conflict.Local.ID)
	assert.Equal(t, theirs.ID, st.Conflict.Remote.ID)

	_, err = laptop.ResolveConflict(ctx, StrategyMerge)
	require.ErrorIs(t, err, ErrUnmergeable)
	assert.NotNil(t, status(t, laptop).Conflict)

	resolved, err := laptop.ResolveConflict(ctx, StrategyLocal)
	require.NoError(t, err)
	assert.Equal(t, mine.ID, resolved.ID)

	require.Eventually(t, func() bool {
		entry, err := h.logs.Get(ctx, theirs.ID)
		return err == nil && entry.Reason == timer.ReasonConflictDiscarded
	}, 2*time.Second, 10*time.Millisecond)

	remote, err := h.remoteTimer("user-1")
	require.NoError(t, err)
	assert.Equal(t, mine.ID, remote.ID)
	assert.Equal(t, "project-1", remote.ProjectID)
	assert.Nil(t, status(t, laptop).Conflict)
}

func TestStaleStopLogsStoppingDeviceSnapshot(t *testing.T) {
	h := newHarness(t)
	laptop := h.engine("user-1", "laptop")
	ctx := testContext(t)

	started, err := laptop.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1})
	require.NoError(t, err)

	phone := h.engine("user-1", "phone")
	require.Eventually(t, func() bool {
		st := status(t, phone)
		return st.State != nil && st.State.ID == started.ID
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, laptop.SetOnline(ctx, false))
	_, err = phone.Pause(ctx)
	require.NoError(t, err)

	_, err = laptop.Stop(ctx, "done", timer.ReasonManual)
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	require.NoError(t, laptop.SetOnline(ctx, true))

	require.Eventually(t, func() bool {
		_, err := h.remoteTimer("user-1")
		return errors.Is(err, storage.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	entry, err := h.logs.Get(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, entry.PauseCount)
	assert.Equal(t, "done", entry.Notes)
}

func TestOfflineMutationsReplayOnReconnect(t *testing.T) {
	h := newHarness(t)
	e := h.engine("user-1", "laptop")
	ctx := testContext(t)

	h.remote.down.Store(true)

	state, err := e.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1})
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	var queued *QueuedError
	require.ErrorAs(t, err, &queued)
	require.NotNil(t, state)
	assert.Equal(t, state.ID, queued.State.ID)

	st := status(t, e)
	assert.False(t, st.Online)
	assert.True(t, st.Pending)

	ticks(t, e, 3)
	assert.Equal(t, int64(3597), status(t, e).State.TimeRemaining)

	_, err = e.Pause(ctx)
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Equal(t, 2, status(t, e).OutboxDepth)

	_, err = h.remoteTimer("user-1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	h.remote.down.Store(false)
	require.NoError(t, e.SetOnline(ctx, true))

	require.Eventually(t, func() bool {
		st := status(t, e)
		return st.Online && !st.Pending && st.OutboxDepth == 0
	}, 2*time.Second, 10*time.Millisecond)

	remote, err := h.remoteTimer("user-1")
	require.NoError(t, err)
	assert.Equal(t, state.ID, remote.ID)
	assert.True(t, remote.IsPaused)
	assert.Equal(t, int64(2), remote.SyncVersion)
	assert.Equal(t, int64(3597), remote.TimeRemaining)

	require.NoError(t, e.SyncAll(ctx))
}

func TestEngineRestoresQueuedWrites(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	h.remote.down.Store(true)
	first, err := NewEngine("user-1", "laptop", h.deps(), testConfig())
	require.NoError(t, err)
	state, err := first.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1})
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	require.NoError(t, first.Close())

	h.remote.down.Store(false)
	second := h.engine("user-1", "laptop")
	require.Equal(t, state.ID, status(t, second).State.ID)

	require.Eventually(t, func() bool {
		remote, err := h.remoteTimer("user-1")
		return err == nil && remote.ID == state.ID && !status(t, second).Pending
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopSupersedesPendingStart(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(f *flakyTimers) {
		f.gate = gate
		f.entered = make(chan struct{}, 1)
	})
	e := h.engine("user-1", "laptop")
	ctx := testContext(t)

	startErr := make(chan error, 1)
	go func() {
		_, err := e.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1})
		startErr <- err
	}()
	<-h.remote.entered

	type stopResult struct {
		entry *timer.LogEntry
		err   error
	}
	stopped := make(chan stopResult, 1)
	go func() {
		entry, err := e.Stop(ctx, "wrong project", timer.ReasonManual)
		stopped <- stopResult{entry, err}
	}()

	require.ErrorIs(t, <-startErr, ErrOperationSuperseded)
	close(gate)

	res := <-stopped
	require.NoError(t, res.err)
	assert.Equal(t, "wrong project", res.entry.Notes)

	_, err := h.remoteTimer("user-1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	logged, err := h.logs.Get(ctx, res.entry.ID)
	require.NoError(t, err)
	assert.Equal(t, timer.ReasonManual, logged.Reason)
}

func TestBudgetExhaustionStopsTimer(t *testing.T) {
	h := newHarness(t)
	e := h.engine("user-1", "laptop")
	ctx := testContext(t)

	sub := h.bus.Subscribe(8, events.TypeBudgetExhausted, events.TypeStopped)
	defer sub.Close()

	started, err := e.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 5.0 / 3600})
	require.NoError(t, err)
	require.Equal(t, int64(5), started.TimeRemaining)

	state, err := e.Tick(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, state)

	for _, want := range []events.Type{events.TypeBudgetExhausted, events.TypeStopped} {
		select {
		case ev := <-sub.C():
			assert.Equal(t, want, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	require.Eventually(t, func() bool {
		entry, err := h.logs.Get(ctx, started.ID)
		return err == nil && entry.Reason == timer.ReasonBudgetExhausted && entry.WorkedSeconds == 5
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := h.remoteTimer("user-1")
		return errors.Is(err, storage.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBudgetExhaustedDuringConflictStopsAfterResolve(t *testing.T) {
	h := newHarness(t)
	e := h.engine("user-1", "laptop")
	ctx := testContext(t)

	started, err := e.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 5.0 / 3600})
	require.NoError(t, err)

	other := started.Clone()
	other.SyncVersion = 2
	other.Title = "renamed on tablet"
	other.DeviceID = "tablet"
	require.NoError(t, h.store.Timers().Update(ctx, other, 1))
	require.ErrorIs(t, e.SyncAll(ctx), ErrSyncConflict)

	state, err := e.Tick(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.IsRunning)
	assert.Equal(t, int64(0), state.TimeRemaining)

	_, err = h.logs.Get(ctx, started.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	resolved, err := e.ResolveConflict(ctx, StrategyLocal)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, int64(3), resolved.SyncVersion)

	require.Eventually(t, func() bool {
		entry, err := h.logs.Get(ctx, started.ID)
		return err == nil && entry.Reason == timer.ReasonBudgetExhausted
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := h.remoteTimer("user-1")
		return errors.Is(err, storage.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, status(t, e).State)
}

func TestRemoteStopDropsLocalCopy(t *testing.T) {
	h := newHarness(t)
	laptop := h.engine("user-1", "laptop")
	ctx := testContext(t)

	started, err := laptop.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1})
	require.NoError(t, err)

	phone := h.engine("user-1", "phone")
	require.Eventually(t, func() bool {
		st := status(t, phone)
		return st.State != nil && st.State.ID == started.ID
	}, 2*time.Second, 10*time.Millisecond)

	_, err = laptop.Stop(ctx, "", timer.ReasonCompleted)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return status(t, phone).State == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubReusesEngines(t *testing.T) {
	h := newHarness(t)
	hub := NewHub(h.deps(), testConfig())

	first, err := hub.Engine("user-1", "laptop")
	require.NoError(t, err)
	again, err := hub.Engine("user-1", "laptop")
	require.NoError(t, err)
	assert.Same(t, first, again)

	other, err := hub.Engine("user-1", "phone")
	require.NoError(t, err)
	assert.NotSame(t, first, other)
	assert.Equal(t, 2, hub.Len())

	require.NoError(t, hub.Close())
	_, err = hub.Engine("user-1", "laptop")
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = first.Status(context.Background())
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestHubEvictsIdleEngines(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.IdleTimeout = 10 * time.Minute
	hub := NewHub(h.deps(), cfg)
	t.Cleanup(func() { _ = hub.Close() })
	ctx := testContext(t)

	idle, err := hub.Engine("user-1", "laptop")
	require.NoError(t, err)
	require.NoError(t, idle.SyncAll(ctx))
	busy, err := hub.Engine("user-2", "phone")
	require.NoError(t, err)
	_, err = busy.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1})
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, hub.EvictIdle(ctx))

	h.clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, hub.EvictIdle(ctx))
	assert.Equal(t, 1, hub.Len())

	_, err = idle.Status(ctx)
	assert.ErrorIs(t, err, ErrEngineClosed)
	st := status(t, busy)
	require.NotNil(t, st.State)
	assert.True(t, st.State.IsRunning)

	again, err := hub.Engine("user-1", "laptop")
	require.NoError(t, err)
	assert.NotSame(t, idle, again)
}

func TestHubCapsDevicesPerUser(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.MaxDevicesPerUser = 2
	hub := NewHub(h.deps(), cfg)
	t.Cleanup(func() { _ = hub.Close() })
	ctx := testContext(t)

	laptop, err := hub.Engine("user-1", "laptop")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	phone, err := hub.Engine("user-1", "phone")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	require.NoError(t, laptop.SyncAll(ctx))
	require.NoError(t, phone.SyncAll(ctx))

	// Both idle: the least recently used engine makes room.
	tablet, err := hub.Engine("user-1", "tablet")
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Len())
	_, err = laptop.Status(ctx)
	assert.ErrorIs(t, err, ErrEngineClosed)

	// Other users are counted separately.
	_, err = hub.Engine("user-2", "laptop")
	require.NoError(t, err)

	started, err := phone.Start(ctx, StartRequest{ProjectID: "project-1", AllocatedHours: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := status(t, tablet)
		return st.State != nil && st.State.ID == started.ID && !st.Pending
	}, 2*time.Second, 10*time.Millisecond)

	_, err = hub.Engine("user-1", "desktop")
	assert.ErrorIs(t, err, ErrTooManyDevices)
	assert.Equal(t, 3, hub.Len())
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy(" Merge ")
	require.NoError(t, err)
	assert.Equal(t, StrategyMerge, s)

	_, err = ParseStrategy("newest")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
