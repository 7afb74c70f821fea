package timer

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// New creates a running timer from params at now.
func New(params StartParams, now time.Time) (*State, error) {
	if params.AllocatedHours <= 0 || math.IsNaN(params.AllocatedHours) || math.IsInf(params.AllocatedHours, 0) {
		return nil, ErrInvalidAllocation
	}

	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &State{
		ID:             id,
		UserID:         params.UserID,
		ProjectID:      params.ProjectID,
		JobCardID:      params.JobCardID,
		Title:          params.Title,
		SlotID:         params.SlotID,
		StartTime:      now,
		TimeRemaining:  AllocatedSeconds(params.AllocatedHours),
		AllocatedHours: params.AllocatedHours,
		IsRunning:      true,
		PauseHistory:   []Pause{},
		SyncVersion:    1,
		IdempotencyKey: params.IdempotencyKey,
		DeviceID:       params.DeviceID,
		UpdatedAt:      now,
	}, nil
}

// AllocatedSeconds converts an hour budget to whole seconds.
func AllocatedSeconds(hours float64) int64 {
	return int64(math.Round(hours * 3600))
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.PauseHistory = clonePauses(s.PauseHistory)
	return &c
}

// Active reports whether the timer is running or paused.
func (s *State) Active() bool {
	return s != nil && (s.IsRunning || s.IsPaused)
}

// Pause freezes the countdown. maxPauses <= 0 disables the limit.
func (s *State) Pause(now time.Time, maxPauses int) error {
	if !s.IsRunning {
		return ErrNotRunning
	}
	if maxPauses > 0 && s.PauseCount >= maxPauses {
		return ErrPauseLimitExceeded
	}

	s.IsRunning = false
	s.IsPaused = true
	s.PauseCount++
	s.PauseHistory = append(s.PauseHistory, Pause{Start: now})
	s.bump(now)
	return nil
}

// Resume restarts the countdown after a pause.
func (s *State) Resume(now time.Time) error {
	if !s.IsPaused {
		return ErrNotPaused
	}

	s.closeOpenPause(now)
	s.IsPaused = false
	s.IsRunning = true
	s.bump(now)
	return nil
}

// Tick decrements the remaining budget by seconds while running and
// reports whether the budget just ran out. Ticks are local countdown
// progress and leave SyncVersion untouched.
func (s *State) Tick(seconds int64) (exhausted bool) {
	if !s.IsRunning || seconds <= 0 || s.TimeRemaining <= 0 {
		return false
	}
	s.TimeRemaining -= seconds
	if s.TimeRemaining <= 0 {
		s.TimeRemaining = 0
		return true
	}
	return false
}

// Stop converts the timer into its terminal log entry. The receiver is
// left inactive.
func (s *State) Stop(now time.Time, notes string, reason Reason) *LogEntry {
	if reason == "" {
		reason = ReasonManual
	}
	s.closeOpenPause(now)
	s.IsRunning = false
	s.IsPaused = false
	s.bump(now)

	allocated := AllocatedSeconds(s.AllocatedHours)
	worked := allocated - s.TimeRemaining
	if worked < 0 {
		worked = 0
	}

	return &LogEntry{
		ID:               s.ID,
		TimerID:          s.ID,
		UserID:           s.UserID,
		ProjectID:        s.ProjectID,
		JobCardID:        s.JobCardID,
		Title:            s.Title,
		StartTime:        s.StartTime,
		EndTime:          now,
		AllocatedSeconds: allocated,
		WorkedSeconds:    worked,
		PauseCount:       s.PauseCount,
		PauseHistory:     clonePauses(s.PauseHistory),
		Notes:            notes,
		Reason:           reason,
	}
}

// Equivalent reports whether a and b describe the same session content,
// ignoring version bookkeeping.
func Equivalent(a, b *State) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID ||
		a.UserID != b.UserID ||
		a.ProjectID != b.ProjectID ||
		a.JobCardID != b.JobCardID ||
		a.Title != b.Title ||
		a.SlotID != b.SlotID ||
		!a.StartTime.Equal(b.StartTime) ||
		a.TimeRemaining != b.TimeRemaining ||
		a.AllocatedHours != b.AllocatedHours ||
		a.IsRunning != b.IsRunning ||
		a.IsPaused != b.IsPaused ||
		a.PauseCount != b.PauseCount ||
		len(a.PauseHistory) != len(b.PauseHistory) {
		return false
	}
	for i := range a.PauseHistory {
		if !samePause(a.PauseHistory[i], b.PauseHistory[i]) {
			return false
		}
	}
	return true
}

func (s *State) bump(now time.Time) {
	s.SyncVersion++
	s.UpdatedAt = now
}

func (s *State) closeOpenPause(now time.Time) {
	if n := len(s.PauseHistory); n > 0 && s.PauseHistory[n-1].End == nil {
		end := now
		s.PauseHistory[n-1].End = &end
	}
}

func samePause(a, b Pause) bool {
	if !a.Start.Equal(b.Start) {
		return false
	}
	if a.End == nil || b.End == nil {
		return a.End == nil && b.End == nil
	}
	return a.End.Equal(*b.End)
}

func clonePauses(in []Pause) []Pause {
	out := make([]Pause, len(in))
	for i, p := range in {
		out[i] = Pause{Start: p.Start}
		if p.End != nil {
			end := *p.End
			out[i].End = &end
		}
	}
	return out
}
