// Package timersync keeps one device's view of a user's timer in step with
// the shared timer store. Mutations apply locally first, are persisted to
// an outbox and replayed in order; divergence is surfaced as a conflict
// rather than overwritten.
package timersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/worktimer/internal/events"
	"github.com/goodtune/worktimer/internal/metrics"
	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
)

// Deps are the collaborators an engine needs.
type Deps struct {
	Remote storage.TimerStore
	Logs   storage.TimeLogStore
	Local  storage.LocalStore
	Bus    *events.Bus
	Clock  timer.Clock
	Logger zerolog.Logger
}

// StartRequest describes a timer to start.
type StartRequest struct {
	ProjectID      string  `json:"project_id"`
	JobCardID      string  `json:"job_card_id"`
	Title          string  `json:"title"`
	SlotID         string  `json:"slot_id,omitempty"`
	AllocatedHours float64 `json:"allocated_hours"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// Status is a snapshot of the engine.
type Status struct {
	State            *timer.State  `json:"state"`
	ConfirmedVersion int64         `json:"confirmed_version"`
	Pending          bool          `json:"pending"`
	OutboxDepth      int           `json:"outbox_depth"`
	Online           bool          `json:"online"`
	Visible          bool          `json:"visible"`
	Conflict         *SyncConflict `json:"conflict,omitempty"`
}

type result struct {
	state *timer.State
	entry *timer.LogEntry
	err   error
}

type request struct {
	run   func(reply chan<- result)
	reply chan result
}

type opKind string

const (
	opStart   opKind = "start"
	opPause   opKind = "pause"
	opResume  opKind = "resume"
	opStop    opKind = "stop"
	opResolve opKind = "resolve"
	opReplay  opKind = "replay"
)

// operation is one logical mutation. Stop and some resolutions queue more
// than one remote write under the same token.
type operation struct {
	token     uint64
	kind      opKind
	timerID   string
	remaining int
	reply     chan<- result
	entry     *timer.LogEntry
	result    *timer.State
	idemKey   string
}

type remoteChange struct {
	change storage.TimerChange
}

// Engine synchronizes one (user, device) pair. All state is owned by a
// single loop goroutine; remote I/O happens on the writer goroutine.
type Engine struct {
	userID   string
	deviceID string
	cfg      Config
	remote   storage.TimerStore
	logs     storage.TimeLogStore
	local    storage.LocalStore
	bus      *events.Bus
	clock    timer.Clock
	logger   zerolog.Logger
	idem     *lru.Cache[string, *timer.State]
	writer   *writer

	cmds   chan request
	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once

	// Owned by the loop goroutine.
	state       *timer.State
	confirmed   int64
	conflict    *SyncConflict
	online      bool
	visible     bool
	nextToken   uint64
	ops         map[uint64]*operation
	startToken  uint64
	localSeq    uint64
	fetchToken  uint64
	fetchSeq    uint64
	syncQueued  bool
	syncWaiters []chan<- result
	tickCarry   time.Duration
}

// NewEngine restores the device's cached timer and outbox and starts the
// engine's goroutines.
func NewEngine(userID, deviceID string, deps Deps, cfg Config) (*Engine, error) {
	if userID == "" || deviceID == "" {
		return nil, errors.New("timersync: user and device IDs are required")
	}
	if deps.Remote == nil || deps.Logs == nil || deps.Local == nil {
		return nil, errors.New("timersync: remote, log and local stores are required")
	}
	cfg.setDefaults()
	if deps.Clock == nil {
		deps.Clock = timer.RealClock{}
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}

	idem, err := lru.New[string, *timer.State](cfg.IdempotencyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create idempotency cache: %w", err)
	}

	logger := deps.Logger.With().
		Str("component", "timersync").
		Str("user_id", userID).
		Str("device_id", deviceID).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		userID:   userID,
		deviceID: deviceID,
		cfg:      cfg,
		remote:   deps.Remote,
		logs:     deps.Logs,
		local:    deps.Local,
		bus:      deps.Bus,
		clock:    deps.Clock,
		logger:   logger,
		idem:     idem,
		cmds:     make(chan request),
		inbox:    make(chan any, 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		online:   true,
		visible:  true,
		ops:      make(map[uint64]*operation),
	}
	e.writer = newWriter(e, e.inbox)

	if err := e.restore(ctx); err != nil {
		cancel()
		return nil, err
	}

	e.wg.Add(3)
	go e.run()
	go func() {
		defer e.wg.Done()
		e.writer.run(ctx)
	}()
	go e.watchRemote()

	e.writer.signal()

	e.logger.Info().
		Bool("has_timer", e.state != nil).
		Int("outbox_depth", e.writer.depth()).
		Msg("Sync engine started")

	return e, nil
}

// restore loads the cached timer and replays any outbox left by a
// previous process.
func (e *Engine) restore(ctx context.Context) error {
	cached, err := e.local.LoadCache(ctx, e.userID, e.deviceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load timer cache: %w", err)
	default:
		e.state = cached.State
		e.confirmed = cached.ConfirmedVersion
	}

	ops, err := e.local.ListOutbox(ctx, e.userID, e.deviceID)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	for i := range ops {
		op := ops[i]
		if op.Token > e.nextToken {
			e.nextToken = op.Token
		}
		logical, ok := e.ops[op.Token]
		if !ok {
			logical = &operation{token: op.Token, kind: opReplay, timerID: op.TimerID}
			e.ops[op.Token] = logical
		}
		logical.remaining++
		e.writer.enqueue(item{token: op.Token, op: &op})
	}

	// Reconcile with the store once the replay drains.
	e.syncQueued = true
	e.updateDepth()
	return nil
}

// UserID returns the user the engine synchronizes.
func (e *Engine) UserID() string { return e.userID }

// DeviceID returns the device the engine runs on.
func (e *Engine) DeviceID() string { return e.deviceID }

// Bus returns the event bus the engine publishes to.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Start begins a new timer. Repeating an idempotency key returns the timer
// it first created.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*timer.State, error) {
	res := e.call(ctx, func(reply chan<- result) { e.handleStart(req, reply) })
	e.observe(opStart, res.err)
	return res.state, res.err
}

// Pause freezes the active timer.
func (e *Engine) Pause(ctx context.Context) (*timer.State, error) {
	res := e.call(ctx, func(reply chan<- result) { e.handleTransition(opPause, reply) })
	e.observe(opPause, res.err)
	return res.state, res.err
}

// Resume restarts a paused timer.
func (e *Engine) Resume(ctx context.Context) (*timer.State, error) {
	res := e.call(ctx, func(reply chan<- result) { e.handleTransition(opResume, reply) })
	e.observe(opResume, res.err)
	return res.state, res.err
}

// Stop ends the active timer and records its time log.
func (e *Engine) Stop(ctx context.Context, notes string, reason timer.Reason) (*timer.LogEntry, error) {
	res := e.call(ctx, func(reply chan<- result) { e.handleStop(notes, reason, reply) })
	e.observe(opStop, res.err)
	return res.entry, res.err
}

// SyncAll reconciles the local timer with the store after every queued
// write has been replayed.
func (e *Engine) SyncAll(ctx context.Context) error {
	res := e.call(ctx, func(reply chan<- result) { e.requestSync(reply) })
	e.observe("sync", res.err)
	return res.err
}

// ResolveConflict settles the pending conflict with strategy and writes
// the result back to the store.
func (e *Engine) ResolveConflict(ctx context.Context, strategy Strategy) (*timer.State, error) {
	res := e.call(ctx, func(reply chan<- result) { e.handleResolve(strategy, reply) })
	e.observe(opResolve, res.err)
	return res.state, res.err
}

// Tick advances the countdown by seconds. It is a no-op unless the timer
// is running and the device is visible.
func (e *Engine) Tick(ctx context.Context, seconds int64) (*timer.State, error) {
	res := e.call(ctx, func(reply chan<- result) {
		e.tick(seconds)
		reply <- result{state: e.state.Clone()}
	})
	return res.state, res.err
}

// SetVisible pauses or resumes local countdown ticks.
func (e *Engine) SetVisible(ctx context.Context, visible bool) error {
	return e.call(ctx, func(reply chan<- result) {
		e.visible = visible
		e.tickCarry = 0
		reply <- result{}
	}).err
}

// SetOnline records a network state change. Going online replays the
// outbox and then reconciles with the store.
func (e *Engine) SetOnline(ctx context.Context, online bool) error {
	return e.call(ctx, func(reply chan<- result) {
		if online {
			e.goOnline()
			e.writer.resume()
			e.requestSync(nil)
		} else {
			e.writer.halt()
			e.goOffline()
		}
		reply <- result{}
	}).err
}

// Status returns a snapshot of the engine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var status Status
	err := e.call(ctx, func(reply chan<- result) {
		status = Status{
			State:            e.state.Clone(),
			ConfirmedVersion: e.confirmed,
			Pending:          e.pending(),
			OutboxDepth:      e.writer.depth(),
			Online:           e.online,
			Visible:          e.visible,
		}
		if e.conflict != nil {
			c := e.conflict.clone()
			status.Conflict = &c
		}
		reply <- result{}
	}).err
	return status, err
}

// Quiescent reports whether the engine can be closed without losing
// work: no running timer, no queued or in-flight writes and no open
// conflict.
func (e *Engine) Quiescent(ctx context.Context) (bool, error) {
	var idle bool
	err := e.call(ctx, func(reply chan<- result) {
		idle = !e.pending() &&
			e.writer.depth() == 0 &&
			e.fetchToken == 0 &&
			e.conflict == nil &&
			(e.state == nil || !e.state.IsRunning)
		reply <- result{}
	}).err
	return idle, err
}

// Close stops the engine. Queued writes stay in the outbox.
func (e *Engine) Close() error {
	e.once.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.logger.Info().Msg("Sync engine stopped")
	})
	return nil
}

func (e *Engine) call(ctx context.Context, fn func(reply chan<- result)) result {
	reply := make(chan result, 1)
	select {
	case e.cmds <- request{run: fn, reply: reply}:
	case <-e.done:
		return result{err: ErrEngineClosed}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}

	select {
	case res := <-reply:
		return res
	case <-e.done:
		return result{err: ErrEngineClosed}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
}

func (e *Engine) observe(op opKind, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNetworkUnavailable):
		outcome = "queued"
	case errors.Is(err, ErrSyncConflict):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	metrics.TimerOperations.WithLabelValues(string(op), outcome).Inc()
}

func (e *Engine) run() {
	defer e.wg.Done()
	defer close(e.done)

	var tick, autoSync <-chan time.Time
	if e.cfg.TickInterval > 0 {
		t := time.NewTicker(e.cfg.TickInterval)
		defer t.Stop()
		tick = t.C
	}
	if e.cfg.AutoSyncInterval > 0 {
		t := time.NewTicker(e.cfg.AutoSyncInterval)
		defer t.Stop()
		autoSync = t.C
	}

	for {
		select {
		case <-e.ctx.Done():
			e.saveCache()
			if !e.online {
				metrics.OfflineEngines.Dec()
			}
			return

		case req := <-e.cmds:
			req.run(req.reply)

		case msg := <-e.inbox:
			switch m := msg.(type) {
			case completion:
				if m.fetch {
					e.handleFetch(m)
				} else {
					e.handleCompletion(m)
				}
			case offlineNotice:
				e.handleOffline(m)
			case drainedNotice:
				e.handleDrained()
			case remoteChange:
				e.handleRemoteChange(m.change)
			}

		case <-tick:
			e.tickCarry += e.cfg.TickInterval
			if seconds := int64(e.tickCarry / time.Second); seconds > 0 {
				e.tickCarry -= time.Duration(seconds) * time.Second
				e.tick(seconds)
			}

		case <-autoSync:
			if e.online {
				e.requestSync(nil)
			} else {
				e.probe()
			}
		}
	}
}

// watchRemote forwards other devices' changes to the loop, resubscribing
// with backoff whenever the subscription drops.
func (e *Engine) watchRemote() {
	defer e.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	for e.ctx.Err() == nil {
		var changes <-chan storage.TimerChange
		err := backoff.RetryNotify(func() error {
			ch, err := e.remote.Subscribe(e.ctx, e.userID)
			if err != nil {
				return err
			}
			changes = ch
			return nil
		}, backoff.WithContext(b, e.ctx), func(err error, wait time.Duration) {
			e.logger.Debug().Err(err).Dur("retry_in", wait).Msg("Timer change subscription failed")
		})
		if err != nil {
			return
		}
		b.Reset()

		for change := range changes {
			if change.DeviceID == e.deviceID {
				continue
			}
			select {
			case e.inbox <- remoteChange{change: change}:
			case <-e.ctx.Done():
				return
			}
		}

		select {
		case <-time.After(b.NextBackOff()):
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) publish(typ events.Type, state *timer.State, detail string) {
	e.bus.Publish(events.Event{
		Type:     typ,
		UserID:   e.userID,
		DeviceID: e.deviceID,
		Timer:    state,
		Detail:   detail,
		At:       e.clock.Now(),
	})
}

func (e *Engine) saveCache() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	var err error
	if e.state == nil {
		err = e.local.ClearCache(ctx, e.userID, e.deviceID)
	} else {
		err = e.local.SaveCache(ctx, e.userID, e.deviceID, storage.CachedTimer{
			State:            e.state,
			ConfirmedVersion: e.confirmed,
			Pending:          e.pending(),
			SavedAt:          e.clock.Now(),
		})
	}
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist timer cache")
	}
}

func (e *Engine) pending() bool {
	return len(e.ops) > 0
}

func (e *Engine) updateDepth() {
	metrics.OutboxDepth.WithLabelValues(e.userID).Set(float64(e.writer.depth()))
}

func (e *Engine) goOnline() {
	if e.online {
		return
	}
	e.online = true
	metrics.OfflineEngines.Dec()
	e.publish(events.TypeOnline, e.state, "")
	e.logger.Info().Msg("Timer store reachable again")
}

func (e *Engine) goOffline() {
	if !e.online {
		return
	}
	e.online = false
	metrics.OfflineEngines.Inc()
	e.publish(events.TypeOffline, e.state, "")
}
