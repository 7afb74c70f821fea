package timersync

import (
	"github.com/goodtune/worktimer/internal/events"
	"github.com/goodtune/worktimer/internal/metrics"
	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
)

// requestSync schedules a fetch of the remote timer behind any queued
// writes. reply, if set, receives the reconciliation outcome.
func (e *Engine) requestSync(reply chan<- result) {
	if e.conflict != nil {
		send(reply, e.conflictResult())
		return
	}
	if !e.online {
		send(reply, result{err: ErrNetworkUnavailable})
		return
	}
	if reply != nil {
		e.syncWaiters = append(e.syncWaiters, reply)
	}
	if e.fetchToken != 0 {
		return
	}
	if e.pending() {
		e.syncQueued = true
		return
	}
	e.issueFetch()
}

func (e *Engine) issueFetch() {
	e.nextToken++
	e.fetchToken = e.nextToken
	e.fetchSeq = e.localSeq
	e.writer.enqueue(item{token: e.fetchToken, fetch: true})
}

func (e *Engine) failSyncWaiters(err error) {
	for _, w := range e.syncWaiters {
		send(w, result{state: e.state.Clone(), err: err})
	}
	e.syncWaiters = nil
}

func (e *Engine) handleFetch(c completion) {
	if c.token != e.fetchToken {
		return
	}
	e.fetchToken = 0
	if !e.online {
		e.goOnline()
		e.writer.resume()
	}

	// The local timer moved while the fetch was in flight; fetch again
	// once the new writes have drained.
	if e.localSeq != e.fetchSeq || e.pending() {
		e.syncQueued = true
		return
	}
	if e.conflict != nil {
		e.failSyncWaiters(&ConflictError{Conflict: e.conflict.clone()})
		return
	}

	err := e.reconcile(c.state)
	e.failSyncWaiters(err)
	if err == nil {
		e.publish(events.TypeSynced, e.state, "")
	}
}

// reconcile compares the local timer with remote. Divergent copies raise
// a conflict and neither side is modified.
func (e *Engine) reconcile(remote *timer.State) error {
	local := e.state
	switch {
	case local == nil && remote == nil:
		return nil

	case local == nil:
		e.adopt(remote, "timer active on another device")
		return nil

	case remote == nil:
		e.state = nil
		e.confirmed = 0
		e.localSeq++
		e.saveCache()
		e.publish(events.TypeRemoteChanged, local, "timer stopped on another device")
		e.logger.Info().Str("timer_id", local.ID).Msg("Timer stopped remotely, dropped local copy")
		return nil

	case local.ID == remote.ID && local.SyncVersion == remote.SyncVersion:
		e.confirm(local.ID, local.SyncVersion)
		return nil

	case local.ID == remote.ID && timer.Equivalent(local, remote):
		if remote.SyncVersion > local.SyncVersion {
			e.state.SyncVersion = remote.SyncVersion
			e.state.UpdatedAt = remote.UpdatedAt
		}
		e.confirm(local.ID, e.state.SyncVersion)
		e.saveCache()
		return nil
	}

	conflict := SyncConflict{
		TimerID:    local.ID,
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		DetectedAt: e.clock.Now(),
	}
	e.raiseConflict(conflict)
	return &ConflictError{Conflict: conflict.clone()}
}

func (e *Engine) adopt(remote *timer.State, detail string) {
	e.state = remote.Clone()
	e.confirmed = remote.SyncVersion
	e.tickCarry = 0
	e.localSeq++
	e.saveCache()
	e.publish(events.TypeRemoteChanged, e.state, detail)
	e.logger.Info().
		Str("timer_id", remote.ID).
		Int64("sync_version", remote.SyncVersion).
		Msg("Adopted remote timer")
}

func (e *Engine) raiseConflict(conflict SyncConflict) {
	e.conflict = &conflict
	metrics.SyncConflicts.WithLabelValues("detected").Inc()
	e.publish(events.TypeConflict, conflict.Local, conflict.TimerID)

	ev := e.logger.Warn().
		Str("timer_id", conflict.TimerID).
		Int64("local_version", conflict.Local.SyncVersion)
	if conflict.Remote != nil {
		ev = ev.Str("remote_timer_id", conflict.Remote.ID).Int64("remote_version", conflict.Remote.SyncVersion)
	}
	ev.Msg("Sync conflict detected")
}

func (e *Engine) handleResolve(strategy Strategy, reply chan<- result) {
	if e.conflict == nil {
		send(reply, result{state: e.state.Clone(), err: ErrNoConflict})
		return
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		send(reply, result{err: err})
		return
	}

	c := e.conflict
	local := c.Local
	if e.state != nil && e.state.ID == c.Local.ID {
		local = e.state
	}
	remote := c.Remote
	now := e.clock.Now()

	var resolved *timer.State
	switch strategy {
	case StrategyMerge:
		if remote == nil || remote.ID != local.ID {
			send(reply, result{err: ErrUnmergeable})
			return
		}
		resolved = timer.Merge(local, remote)
	case StrategyLocal:
		resolved = local.Clone()
	case StrategyRemote:
		if remote == nil {
			e.conflict = nil
			e.state = nil
			e.confirmed = 0
			e.localSeq++
			e.saveCache()
			e.publish(events.TypeConflictResolved, nil, string(strategy))
			metrics.SyncConflicts.WithLabelValues(string(strategy)).Inc()
			send(reply, result{})
			return
		}
		resolved = remote.Clone()
	}

	version := local.SyncVersion
	if remote != nil && remote.SyncVersion > version {
		version = remote.SyncVersion
	}
	resolved.SyncVersion = version + 1
	resolved.UpdatedAt = now
	resolved.DeviceID = e.deviceID

	var writes []*storage.OutboxOp
	switch {
	case remote == nil:
		writes = append(writes, &storage.OutboxOp{
			Kind:    storage.OpCreate,
			TimerID: resolved.ID,
			State:   resolved.Clone(),
		})
	case remote.ID == resolved.ID:
		writes = append(writes, &storage.OutboxOp{
			Kind:            storage.OpUpdate,
			TimerID:         resolved.ID,
			State:           resolved.Clone(),
			ExpectedVersion: remote.SyncVersion,
		})
	default:
		// Keep the local timer: log the remote one as discarded first.
		discarded := remote.Clone()
		entry := discarded.Stop(now, "", timer.ReasonConflictDiscarded)
		writes = append(writes,
			&storage.OutboxOp{Kind: storage.OpLog, TimerID: remote.ID, Log: entry},
			&storage.OutboxOp{Kind: storage.OpDelete, TimerID: remote.ID},
			&storage.OutboxOp{Kind: storage.OpCreate, TimerID: resolved.ID, State: resolved.Clone()},
		)
	}

	op := &operation{kind: opResolve, timerID: resolved.ID, reply: reply}
	if err := e.enqueue(op, writes...); err != nil {
		send(reply, result{err: err})
		return
	}

	e.conflict = nil
	e.state = resolved
	e.confirmed = 0
	if remote != nil && remote.ID == resolved.ID {
		e.confirmed = remote.SyncVersion
	}
	e.tickCarry = 0
	e.localSeq++
	e.saveCache()
	e.publish(events.TypeConflictResolved, resolved, string(strategy))
	metrics.SyncConflicts.WithLabelValues(string(strategy)).Inc()

	e.logger.Info().
		Str("timer_id", resolved.ID).
		Str("strategy", string(strategy)).
		Int64("sync_version", resolved.SyncVersion).
		Msg("Sync conflict resolved")

	e.replyIfOffline(op)

	// Ticks stop at zero, so a budget exhausted during the conflict is
	// finished here.
	if resolved.IsRunning && resolved.TimeRemaining <= 0 {
		op.result = resolved.Clone()
		e.publish(events.TypeBudgetExhausted, e.state, "")
		if err := e.handleStop("", timer.ReasonBudgetExhausted, nil); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to stop exhausted timer")
		}
	}
}
