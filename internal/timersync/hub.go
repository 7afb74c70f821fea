package timersync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/worktimer/internal/timer"
)

type engineKey struct {
	userID   string
	deviceID string
}

type hubEntry struct {
	key      engineKey
	engine   *Engine
	lastUsed time.Time
}

// Hub owns one engine per (user, device) and creates them on first use.
// Engines that sit idle with nothing to sync are closed by a cleanup loop
// and rebuilt from the device cache on next use.
type Hub struct {
	deps   Deps
	cfg    Config
	clock  timer.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	engines map[engineKey]*hubEntry
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHub creates an empty hub sharing deps between its engines.
func NewHub(deps Deps, cfg Config) *Hub {
	cfg.setDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = timer.RealClock{}
	}

	h := &Hub{
		deps:    deps,
		cfg:     cfg,
		clock:   clock,
		logger:  deps.Logger.With().Str("component", "timersync-hub").Logger(),
		engines: make(map[engineKey]*hubEntry),
		stop:    make(chan struct{}),
	}

	h.wg.Add(1)
	go h.cleanupLoop()

	return h
}

// Engine returns the engine for userID on deviceID, creating it if needed.
// A user already holding MaxDevicesPerUser engines first has their least
// recently used quiescent engine closed; ErrTooManyDevices is returned
// when none can be.
func (h *Hub) Engine(userID, deviceID string) (*Engine, error) {
	key := engineKey{userID: userID, deviceID: deviceID}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if entry, ok := h.engines[key]; ok {
		entry.lastUsed = h.clock.Now()
		h.mu.Unlock()
		return entry.engine, nil
	}
	full := h.countLocked(userID) >= h.cfg.MaxDevicesPerUser
	h.mu.Unlock()

	if full {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
		h.evict(ctx, func(entry *hubEntry) bool { return entry.key.userID == userID }, 1)
		cancel()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrEngineClosed
	}
	if entry, ok := h.engines[key]; ok {
		entry.lastUsed = h.clock.Now()
		return entry.engine, nil
	}
	if h.countLocked(userID) >= h.cfg.MaxDevicesPerUser {
		h.logger.Warn().Str("user_id", userID).Str("device_id", deviceID).Msg("Device limit reached")
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyDevices, h.cfg.MaxDevicesPerUser)
	}

	e, err := NewEngine(userID, deviceID, h.deps, h.cfg)
	if err != nil {
		return nil, err
	}
	h.engines[key] = &hubEntry{key: key, engine: e, lastUsed: h.clock.Now()}
	h.logger.Debug().Str("user_id", userID).Str("device_id", deviceID).Msg("Created sync engine")
	return e, nil
}

// Len returns the number of live engines.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.engines)
}

// SetOnline forwards a network state change to every engine.
func (h *Hub) SetOnline(ctx context.Context, online bool) error {
	var errs []error
	for _, e := range h.snapshot() {
		if err := e.SetOnline(ctx, online); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EvictIdle closes quiescent engines that have not been requested for
// IdleTimeout and returns how many were closed.
func (h *Hub) EvictIdle(ctx context.Context) int {
	cutoff := h.clock.Now().Add(-h.cfg.IdleTimeout)
	return h.evict(ctx, func(entry *hubEntry) bool { return !entry.lastUsed.After(cutoff) }, 0)
}

// Close stops every engine. The hub cannot be used afterwards.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	engines := h.engines
	h.engines = make(map[engineKey]*hubEntry)
	close(h.stop)
	h.mu.Unlock()

	h.wg.Wait()

	var errs []error
	for _, entry := range engines {
		if err := entry.engine.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.logger.Info().Int("engines", len(engines)).Msg("Sync engines stopped")
	return errors.Join(errs...)
}

func (h *Hub) cleanupLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
			if n := h.EvictIdle(ctx); n > 0 {
				h.logger.Debug().Int("evicted", n).Msg("Closed idle sync engines")
			}
			cancel()
		}
	}
}

// evict closes up to limit (all when limit is 0) quiescent engines
// matching match, least recently used first.
func (h *Hub) evict(ctx context.Context, match func(*hubEntry) bool, limit int) int {
	h.mu.Lock()
	var candidates []hubEntry
	for _, entry := range h.engines {
		if match(entry) {
			candidates = append(candidates, *entry)
		}
	}
	h.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	evicted := 0
	for _, c := range candidates {
		if limit > 0 && evicted >= limit {
			break
		}
		idle, err := c.engine.Quiescent(ctx)
		if err != nil || !idle {
			continue
		}

		// Skip engines handed out again since the snapshot.
		h.mu.Lock()
		cur, ok := h.engines[c.key]
		if !ok || cur.engine != c.engine || !cur.lastUsed.Equal(c.lastUsed) {
			h.mu.Unlock()
			continue
		}
		delete(h.engines, c.key)
		h.mu.Unlock()

		_ = c.engine.Close()
		evicted++
		h.logger.Debug().
			Str("user_id", c.key.userID).
			Str("device_id", c.key.deviceID).
			Msg("Closed quiescent sync engine")
	}
	return evicted
}

func (h *Hub) countLocked(userID string) int {
	n := 0
	for key := range h.engines {
		if key.userID == userID {
			n++
		}
	}
	return n
}

func (h *Hub) snapshot() []*Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Engine, 0, len(h.engines))
	for _, entry := range h.engines {
		out = append(out, entry.engine)
	}
	return out
}
