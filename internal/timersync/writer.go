package timersync

import (
	"context"
	"errors"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/goodtune/worktimer/internal/metrics"
	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
)

// item is one unit of remote work: a persisted outbox write, or a fetch of
// the remote timer issued on behalf of a sync.
type item struct {
	token uint64
	op    *storage.OutboxOp
	fetch bool
}

func (it item) label() string {
	if it.fetch {
		return "fetch"
	}
	return string(it.op.Kind)
}

// completion reports the outcome of an item. For creates, state is the
// stored timer. For failed updates and for fetches, state is the remote
// timer (nil when there is none).
type completion struct {
	token uint64
	op    *storage.OutboxOp
	fetch bool
	state *timer.State
	err   error
}

// offlineNotice reports that an item exhausted its retries. The writer
// halts with the item still queued.
type offlineNotice struct {
	item item
	err  error
}

// drainedNotice reports that the writer ran out of work.
type drainedNotice struct{}

// writer replays queued items against the remote stores strictly in
// order. It halts after a permanent failure or retry exhaustion until the
// engine calls resume.
type writer struct {
	userID   string
	deviceID string
	remote   storage.TimerStore
	logs     storage.TimeLogStore
	local    storage.LocalStore
	cfg      Config
	logger   zerolog.Logger
	out      chan<- any

	mu     sync.Mutex
	queue  []item
	halted bool
	kick   chan struct{}
}

func newWriter(e *Engine, out chan<- any) *writer {
	return &writer{
		userID:   e.userID,
		deviceID: e.deviceID,
		remote:   e.remote,
		logs:     e.logs,
		local:    e.local,
		cfg:      e.cfg,
		logger:   e.logger.With().Str("subcomponent", "writer").Logger(),
		out:      out,
		kick:     make(chan struct{}, 1),
	}
}

func (w *writer) enqueue(it item) {
	w.mu.Lock()
	w.queue = append(w.queue, it)
	w.mu.Unlock()
	w.signal()
}

// drop removes every queued item matching pred. The head item is never
// in flight when the engine calls drop: the writer is halted after every
// failure it reports.
func (w *writer) drop(pred func(item) bool) []item {
	w.mu.Lock()
	defer w.mu.Unlock()

	var removed []item
	kept := w.queue[:0]
	for _, it := range w.queue {
		if pred(it) {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	w.queue = kept
	return removed
}

func (w *writer) depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *writer) halt() {
	w.mu.Lock()
	w.halted = true
	w.mu.Unlock()
}

func (w *writer) resume() {
	w.mu.Lock()
	w.halted = false
	w.mu.Unlock()
	w.signal()
}

func (w *writer) signal() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
			w.drain(ctx)
		}
	}
}

func (w *writer) drain(ctx context.Context) {
	for {
		w.mu.Lock()
		if w.halted {
			w.mu.Unlock()
			return
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			w.send(ctx, drainedNotice{})
			return
		}
		it := w.queue[0]
		w.mu.Unlock()

		c, err := w.execute(ctx, it)
		if ctx.Err() != nil {
			return
		}

		w.mu.Lock()
		if err != nil {
			w.halted = true
			w.mu.Unlock()
			w.logger.Warn().
				Err(err).
				Str("op", it.label()).
				Int("attempts", w.cfg.MaxAttempts).
				Msg("Remote write failed, going offline")
			w.send(ctx, offlineNotice{item: it, err: err})
			return
		}
		if len(w.queue) > 0 && w.queue[0].token == it.token && w.queue[0].op == it.op {
			w.queue = w.queue[1:]
		}
		if c.err != nil {
			w.halted = true
		}
		w.mu.Unlock()

		if it.op != nil {
			if err := w.local.DeleteOutbox(ctx, w.userID, w.deviceID, it.op.Seq); err != nil {
				w.logger.Error().Err(err).Uint64("seq", it.op.Seq).Msg("Failed to remove replayed outbox entry")
			}
		}
		w.send(ctx, c)
		if c.err != nil {
			return
		}
	}
}

func (w *writer) send(ctx context.Context, msg any) {
	select {
	case w.out <- msg:
	case <-ctx.Done():
	}
}

// execute applies it with retries. A non-nil error means the item is
// still pending; permanent failures are reported in the completion.
func (w *writer) execute(ctx context.Context, it item) (completion, error) {
	c := completion{token: it.token, op: it.op, fetch: it.fetch}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			metrics.RemoteRetries.WithLabelValues(it.label()).Inc()
		}

		rctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
		defer cancel()

		state, err := w.apply(rctx, it)
		if err == nil || isPermanent(err) {
			c.state = state
			c.err = err
			return nil
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return c, err
	}
	return c, nil
}

func (w *writer) apply(ctx context.Context, it item) (*timer.State, error) {
	if it.fetch {
		remote, err := w.remote.GetActive(ctx, w.userID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return remote, err
	}

	op := it.op
	switch op.Kind {
	case storage.OpCreate:
		stored, err := w.remote.Create(ctx, op.State, op.IdempotencyKey)
		if errors.Is(err, storage.ErrActiveTimerExists) && stored != nil && stored.ID == op.TimerID {
			// An earlier attempt landed but its reply was lost.
			return stored, nil
		}
		return stored, err

	case storage.OpUpdate:
		err := w.remote.Update(ctx, op.State, op.ExpectedVersion)
		if !errors.Is(err, storage.ErrVersionConflict) && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		remote, gerr := w.remote.GetActive(ctx, w.userID)
		switch {
		case errors.Is(gerr, storage.ErrNotFound):
			return nil, err
		case gerr != nil:
			return nil, gerr
		case remote.ID == op.TimerID && remote.SyncVersion == op.State.SyncVersion && timer.Equivalent(remote, op.State):
			return nil, nil
		}
		return remote, err

	case storage.OpDelete:
		return nil, w.remote.Delete(ctx, w.userID, op.TimerID)

	case storage.OpLog:
		return nil, w.logs.Record(ctx, *op.Log)
	}
	return nil, backoff.Permanent(errors.New("unknown outbox operation " + string(op.Kind)))
}

// isPermanent reports errors that retrying cannot fix.
func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.Is(err, storage.ErrVersionConflict) ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrActiveTimerExists) ||
		errors.Is(err, storage.ErrAlreadyExists) ||
		errors.Is(err, storage.ErrIdempotencyMismatch) ||
		errors.As(err, &perm)
}
