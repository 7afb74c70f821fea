// Package events fans timer and sync state transitions out to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/goodtune/worktimer/internal/metrics"
	"github.com/goodtune/worktimer/internal/timer"
)

// Type names a state transition.
type Type string

const (
	TypeStarted          Type = "started"
	TypePaused           Type = "paused"
	TypeResumed          Type = "resumed"
	TypeStopped          Type = "stopped"
	TypeTick             Type = "tick"
	TypeBudgetExhausted  Type = "budget_exhausted"
	TypeConflict         Type = "conflict"
	TypeConflictResolved Type = "conflict_resolved"
	TypeOffline          Type = "offline"
	TypeOnline           Type = "online"
	TypeSynced           Type = "synced"
	TypeRemoteChanged    Type = "remote_changed"
	TypeRolledBack       Type = "rolled_back"
)

// Event is a single notification. Timer is a snapshot and safe to retain.
type Event struct {
	Type     Type         `json:"type"`
	UserID   string       `json:"user_id"`
	DeviceID string       `json:"device_id"`
	Timer    *timer.State `json:"timer,omitempty"`
	Detail   string       `json:"detail,omitempty"`
	At       time.Time    `json:"at"`
}

// Bus delivers events to subscribers without ever blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscription receives events of the requested types (all types when none
// are given).
type Subscription struct {
	id     uint64
	bus    *Bus
	ch     chan Event
	types  map[Type]bool
	closed bool
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, buffer),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

// Publish hands ev to every interested subscriber. A subscriber whose
// buffer is full misses the event.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Timer != nil {
		ev.Timer = ev.Timer.Clone()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues(string(ev.Type)).Inc()
		}
	}
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s.id)
	close(s.ch)
}
