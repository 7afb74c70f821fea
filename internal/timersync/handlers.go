package timersync

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/worktimer/internal/events"
	"github.com/goodtune/worktimer/internal/metrics"
	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
)

func send(reply chan<- result, res result) {
	if reply != nil {
		reply <- res
	}
}

func (e *Engine) conflictResult() result {
	return result{state: e.state.Clone(), err: &ConflictError{Conflict: e.conflict.clone()}}
}

func (e *Engine) handleStart(req StartRequest, reply chan<- result) {
	if req.IdempotencyKey != "" {
		if state, ok := e.idem.Get(req.IdempotencyKey); ok {
			send(reply, result{state: state.Clone()})
			return
		}
	}
	if e.conflict != nil {
		send(reply, e.conflictResult())
		return
	}
	if e.state != nil {
		if req.IdempotencyKey != "" && e.state.IdempotencyKey == req.IdempotencyKey {
			send(reply, result{state: e.state.Clone()})
			return
		}
		send(reply, result{state: e.state.Clone(), err: timer.ErrAlreadyRunning})
		return
	}

	next, err := timer.New(timer.StartParams{
		UserID:         e.userID,
		ProjectID:      req.ProjectID,
		JobCardID:      req.JobCardID,
		Title:          req.Title,
		SlotID:         req.SlotID,
		AllocatedHours: req.AllocatedHours,
		IdempotencyKey: req.IdempotencyKey,
		DeviceID:       e.deviceID,
	}, e.clock.Now())
	if err != nil {
		send(reply, result{err: err})
		return
	}

	op := &operation{kind: opStart, timerID: next.ID, reply: reply, idemKey: req.IdempotencyKey}
	err = e.enqueue(op, &storage.OutboxOp{
		Kind:           storage.OpCreate,
		TimerID:        next.ID,
		State:          next.Clone(),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		send(reply, result{err: err})
		return
	}

	e.state = next
	e.confirmed = 0
	e.startToken = op.token
	e.tickCarry = 0
	if req.IdempotencyKey != "" {
		e.idem.Add(req.IdempotencyKey, next.Clone())
	}
	e.commit(events.TypeStarted, next)

	e.logger.Info().
		Str("timer_id", next.ID).
		Str("project_id", next.ProjectID).
		Float64("allocated_hours", next.AllocatedHours).
		Msg("Timer started")

	e.replyIfOffline(op)
}

func (e *Engine) handleTransition(kind opKind, reply chan<- result) {
	if e.conflict != nil {
		send(reply, e.conflictResult())
		return
	}
	if e.state == nil {
		send(reply, result{err: timer.ErrNoActiveTimer})
		return
	}

	next := e.state.Clone()
	now := e.clock.Now()
	var (
		err error
		typ events.Type
	)
	switch kind {
	case opPause:
		err = next.Pause(now, e.cfg.MaxPauses)
		typ = events.TypePaused
	case opResume:
		err = next.Resume(now)
		typ = events.TypeResumed
	default:
		err = fmt.Errorf("unsupported transition %s", kind)
	}
	if err != nil {
		send(reply, result{state: e.state.Clone(), err: err})
		return
	}
	next.DeviceID = e.deviceID

	op := &operation{kind: kind, timerID: next.ID, reply: reply}
	err = e.enqueue(op, &storage.OutboxOp{
		Kind:            storage.OpUpdate,
		TimerID:         next.ID,
		State:           next.Clone(),
		ExpectedVersion: e.state.SyncVersion,
	})
	if err != nil {
		send(reply, result{state: e.state.Clone(), err: err})
		return
	}

	e.state = next
	e.tickCarry = 0
	e.commit(typ, next)

	e.logger.Debug().
		Str("timer_id", next.ID).
		Str("transition", string(kind)).
		Int64("sync_version", next.SyncVersion).
		Int64("time_remaining", next.TimeRemaining).
		Msg("Timer transition")

	e.replyIfOffline(op)
}

func (e *Engine) handleStop(notes string, reason timer.Reason, reply chan<- result) error {
	if reason == "" {
		reason = timer.ReasonManual
	}
	if !reason.Valid() {
		err := fmt.Errorf("unknown stop reason %q", reason)
		send(reply, result{err: err})
		return err
	}
	if e.conflict != nil {
		res := e.conflictResult()
		send(reply, res)
		return res.err
	}
	if e.state == nil {
		send(reply, result{err: timer.ErrNoActiveTimer})
		return timer.ErrNoActiveTimer
	}

	ended := e.state.Clone()
	ended.DeviceID = e.deviceID
	entry := ended.Stop(e.clock.Now(), notes, reason)

	op := &operation{kind: opStop, timerID: ended.ID, reply: reply, entry: entry}
	err := e.enqueue(op,
		&storage.OutboxOp{Kind: storage.OpLog, TimerID: ended.ID, Log: entry},
		&storage.OutboxOp{Kind: storage.OpDelete, TimerID: ended.ID},
	)
	if err != nil {
		send(reply, result{err: err})
		return err
	}

	e.supersedeStart()
	e.state = nil
	e.confirmed = 0
	e.tickCarry = 0
	e.commit(events.TypeStopped, ended)
	metrics.WorkedMinutes.WithLabelValues(ended.ProjectID).Add(float64(entry.WorkedSeconds) / 60)

	e.logger.Info().
		Str("timer_id", ended.ID).
		Str("reason", string(reason)).
		Int64("worked_seconds", entry.WorkedSeconds).
		Msg("Timer stopped")

	e.replyIfOffline(op)
	return nil
}

func (e *Engine) tick(seconds int64) {
	if e.state == nil || !e.state.IsRunning || !e.visible || seconds <= 0 {
		return
	}

	exhausted := e.state.Tick(seconds)
	e.publish(events.TypeTick, e.state, "")
	if !exhausted {
		return
	}

	e.publish(events.TypeBudgetExhausted, e.state, "")
	if err := e.handleStop("", timer.ReasonBudgetExhausted, nil); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to stop exhausted timer")
	}
}

// commit records a local state change.
func (e *Engine) commit(typ events.Type, snapshot *timer.State) {
	e.localSeq++
	e.saveCache()
	e.publish(typ, snapshot, "")
}

// enqueue persists writes to the outbox under a fresh token and hands them
// to the writer. Nothing is queued if any write fails to persist.
func (e *Engine) enqueue(op *operation, writes ...*storage.OutboxOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	e.nextToken++
	token := e.nextToken
	now := e.clock.Now()

	persisted := make([]*storage.OutboxOp, 0, len(writes))
	for _, write := range writes {
		write.Token = token
		write.EnqueuedAt = now
		seq, err := e.local.AppendOutbox(ctx, e.userID, e.deviceID, *write)
		if err != nil {
			for _, p := range persisted {
				e.deleteOutbox(p.Seq)
			}
			return fmt.Errorf("queue %s: %w", write.Kind, err)
		}
		write.Seq = seq
		persisted = append(persisted, write)
	}

	op.token = token
	op.remaining = len(persisted)
	e.ops[token] = op
	for _, write := range persisted {
		e.writer.enqueue(item{token: token, op: write})
	}
	e.updateDepth()
	return nil
}

func (e *Engine) deleteOutbox(seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	if err := e.local.DeleteOutbox(ctx, e.userID, e.deviceID, seq); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error().Err(err).Uint64("seq", seq).Msg("Failed to remove outbox entry")
	}
}

func (e *Engine) queuedResult(op *operation) result {
	state := op.result
	if state == nil && e.state != nil && e.state.ID == op.timerID {
		state = e.state.Clone()
	}
	return result{state: state, entry: op.entry, err: &QueuedError{State: state.Clone(), Entry: op.entry}}
}

func (e *Engine) replyIfOffline(op *operation) {
	if e.online || op.reply == nil {
		return
	}
	send(op.reply, e.queuedResult(op))
	op.reply = nil
}

// supersedeStart releases the caller of a start that a stop overtook. The
// create itself still replays ahead of the stop's delete.
func (e *Engine) supersedeStart() {
	if e.startToken == 0 {
		return
	}
	if op, ok := e.ops[e.startToken]; ok && op.reply != nil {
		send(op.reply, result{err: ErrOperationSuperseded})
		op.reply = nil
	}
	e.startToken = 0
}

func (e *Engine) confirm(timerID string, version int64) {
	if e.state != nil && e.state.ID == timerID && version > e.confirmed {
		e.confirmed = version
	}
}

func (e *Engine) finish(op *operation) {
	if op.reply == nil {
		return
	}
	res := result{state: op.result, entry: op.entry}
	if res.state == nil && e.state != nil && e.state.ID == op.timerID {
		res.state = e.state.Clone()
	}
	send(op.reply, res)
	op.reply = nil
}

func (e *Engine) handleCompletion(c completion) {
	// Any answer from the store, even a rejection, proves it is reachable.
	if !e.online {
		e.goOnline()
		e.syncQueued = true
		e.writer.resume()
	}

	op, ok := e.ops[c.token]
	if !ok {
		if c.err != nil {
			e.writer.resume()
		}
		return
	}

	if c.err != nil {
		e.handleFailure(op, c)
		e.writer.resume()
		e.updateDepth()
		e.saveCache()
		return
	}

	op.remaining--
	switch c.op.Kind {
	case storage.OpCreate:
		if e.startToken == op.token {
			e.startToken = 0
		}
		if c.state != nil && c.state.UserID != e.userID {
			e.handleFailure(op, completion{token: c.token, op: c.op, err: storage.ErrIdempotencyMismatch})
			e.updateDepth()
			e.saveCache()
			return
		}
		if c.state != nil && c.state.ID != c.op.TimerID {
			// The idempotency key already produced an earlier timer.
			e.dropTimerOps(c.op.TimerID, ErrOperationSuperseded)
			if e.state != nil && e.state.ID == c.op.TimerID {
				e.state = nil
				e.confirmed = 0
				e.localSeq++
			}
			op.result = c.state.Clone()
			if op.idemKey != "" {
				e.idem.Add(op.idemKey, c.state.Clone())
			}
			e.requestSync(nil)
		} else {
			e.confirm(c.op.TimerID, c.op.State.SyncVersion)
		}
	case storage.OpUpdate:
		e.confirm(c.op.TimerID, c.op.State.SyncVersion)
	}

	if op.remaining <= 0 {
		delete(e.ops, op.token)
		e.finish(op)
	}
	e.updateDepth()
	e.saveCache()
}

// handleFailure processes a permanent rejection. The writer is halted
// until the caller resumes it.
func (e *Engine) handleFailure(op *operation, c completion) {
	delete(e.ops, op.token)
	for _, it := range e.writer.drop(func(it item) bool { return it.token == op.token }) {
		e.deleteOutbox(it.op.Seq)
	}

	switch {
	case errors.Is(c.err, storage.ErrActiveTimerExists):
		e.rollback(op, c)
	case errors.Is(c.err, storage.ErrIdempotencyMismatch):
		e.discardStart(op, c)
	case errors.Is(c.err, storage.ErrVersionConflict), errors.Is(c.err, storage.ErrNotFound):
		e.updateConflict(op, c)
	default:
		e.logger.Error().
			Err(c.err).
			Str("op", string(c.op.Kind)).
			Str("timer_id", c.op.TimerID).
			Msg("Remote write rejected")
		send(op.reply, result{err: c.err})
		op.reply = nil
		e.requestSync(nil)
	}
}

// rollback undoes a local start that lost the race for the user's single
// active timer and adopts the winner.
func (e *Engine) rollback(op *operation, c completion) {
	existing := c.state
	e.dropTimerOps(c.op.TimerID, ErrOperationSuperseded)
	if op.idemKey != "" {
		e.idem.Remove(op.idemKey)
	}
	if e.startToken == op.token {
		e.startToken = 0
	}

	if e.state == nil || e.state.ID == c.op.TimerID {
		e.state = existing.Clone()
		e.confirmed = 0
		if existing != nil {
			e.confirmed = existing.SyncVersion
		}
		e.localSeq++
	}

	err := timer.ErrAlreadyRunning
	detail := "start rejected: another timer is active"
	if existing != nil {
		err = fmt.Errorf("%w: timer %s is active on device %s", timer.ErrAlreadyRunning, existing.ID, existing.DeviceID)
		detail = fmt.Sprintf("start rejected: timer %s is active", existing.ID)
	}
	e.publish(events.TypeRolledBack, e.state, detail)
	e.logger.Warn().Str("timer_id", c.op.TimerID).Msg("Rolled back local start, another timer is active")

	send(op.reply, result{state: existing.Clone(), err: err})
	op.reply = nil
}

// discardStart undoes a local start whose idempotency key the store
// refused to honour for this user.
func (e *Engine) discardStart(op *operation, c completion) {
	e.dropTimerOps(c.op.TimerID, c.err)
	if op.idemKey != "" {
		e.idem.Remove(op.idemKey)
	}
	if e.startToken == op.token {
		e.startToken = 0
	}
	if e.state != nil && e.state.ID == c.op.TimerID {
		e.state = nil
		e.confirmed = 0
		e.localSeq++
	}

	e.publish(events.TypeRolledBack, nil, "start rejected: idempotency key not owned by user")
	e.logger.Warn().Str("timer_id", c.op.TimerID).Msg("Discarded local start with foreign idempotency key")

	send(op.reply, result{err: c.err})
	op.reply = nil
}

// updateConflict handles a rejected compare-and-set. A timer that has
// since been stopped locally keeps its queued stop.
func (e *Engine) updateConflict(op *operation, c completion) {
	if e.state == nil || e.state.ID != c.op.TimerID {
		e.logger.Warn().
			Str("timer_id", c.op.TimerID).
			Msg("Discarding conflicting update for a timer already stopped locally")
		send(op.reply, result{err: fmt.Errorf("%w: %w", ErrSyncConflict, c.err)})
		op.reply = nil
		return
	}

	conflict := SyncConflict{
		TimerID:    c.op.TimerID,
		Local:      e.state.Clone(),
		Remote:     c.state.Clone(),
		DetectedAt: e.clock.Now(),
	}
	cause := &ConflictError{Conflict: conflict.clone()}
	e.dropTimerOps(c.op.TimerID, cause)
	e.raiseConflict(conflict)

	send(op.reply, result{state: e.state.Clone(), err: cause})
	op.reply = nil
}

// dropTimerOps discards queued writes for timerID, failing their callers
// with cause.
func (e *Engine) dropTimerOps(timerID string, cause error) {
	removed := e.writer.drop(func(it item) bool {
		return it.op != nil && it.op.TimerID == timerID
	})
	for _, it := range removed {
		e.deleteOutbox(it.op.Seq)
		op, ok := e.ops[it.token]
		if !ok {
			continue
		}
		op.remaining--
		if op.remaining <= 0 {
			delete(e.ops, it.token)
			send(op.reply, result{err: cause})
			op.reply = nil
		}
	}
}

func (e *Engine) handleOffline(n offlineNotice) {
	e.goOffline()

	// Fetches are reissued after reconnect; only writes stay queued.
	e.writer.drop(func(it item) bool { return it.fetch })
	e.fetchToken = 0
	e.syncQueued = true
	e.failSyncWaiters(ErrNetworkUnavailable)

	for _, op := range e.ops {
		if op.reply != nil {
			send(op.reply, e.queuedResult(op))
			op.reply = nil
		}
	}
	e.saveCache()

	e.logger.Warn().
		Err(n.err).
		Str("op", n.item.label()).
		Int("outbox_depth", e.writer.depth()).
		Msg("Working offline")
}

// probe retries the store while offline.
func (e *Engine) probe() {
	if e.writer.depth() == 0 && e.fetchToken == 0 {
		e.issueFetch()
	}
	e.writer.resume()
}

func (e *Engine) handleDrained() {
	if e.syncQueued && e.fetchToken == 0 && e.online && e.conflict == nil {
		e.syncQueued = false
		e.issueFetch()
	}
}

func (e *Engine) handleRemoteChange(change storage.TimerChange) {
	e.logger.Debug().
		Str("kind", string(change.Kind)).
		Str("timer_id", change.TimerID).
		Int64("sync_version", change.SyncVersion).
		Str("origin_device", change.DeviceID).
		Msg("Remote timer changed")

	if e.online && e.conflict == nil {
		e.requestSync(nil)
	}
}
