package timer

import (
	"time"
)

// Reason records why a timer session ended.
type Reason string

const (
	ReasonManual            Reason = "manual"
	ReasonCompleted         Reason = "completed"
	ReasonBudgetExhausted   Reason = "budget_exhausted"
	ReasonConflictDiscarded Reason = "conflict_discarded"
)

// Valid reports whether r is a known completion reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonManual, ReasonCompleted, ReasonBudgetExhausted, ReasonConflictDiscarded:
		return true
	}
	return false
}

// Pause is one pause interval. End is nil while the pause is open.
type Pause struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// State is the live record of one user's running or paused work session.
type State struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ProjectID      string    `json:"project_id"`
	JobCardID      string    `json:"job_card_id"`
	Title          string    `json:"title"`
	SlotID         string    `json:"slot_id,omitempty"`
	StartTime      time.Time `json:"start_time"`
	TimeRemaining  int64     `json:"time_remaining"` // seconds
	AllocatedHours float64   `json:"allocated_hours"`
	IsRunning      bool      `json:"is_running"`
	IsPaused       bool      `json:"is_paused"`
	PauseCount     int       `json:"pause_count"`
	PauseHistory   []Pause   `json:"pause_history"`
	SyncVersion    int64     `json:"sync_version"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	DeviceID       string    `json:"device_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StartParams describes a new timer session.
type StartParams struct {
	ID             string
	UserID         string
	ProjectID      string
	JobCardID      string
	Title          string
	SlotID         string
	AllocatedHours float64
	IdempotencyKey string
	DeviceID       string
}

// LogEntry is the immutable record a timer becomes once stopped.
type LogEntry struct {
	ID               string    `json:"id"`
	TimerID          string    `json:"timer_id"`
	UserID           string    `json:"user_id"`
	ProjectID        string    `json:"project_id"`
	JobCardID        string    `json:"job_card_id"`
	Title            string    `json:"title"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	AllocatedSeconds int64     `json:"allocated_seconds"`
	WorkedSeconds    int64     `json:"worked_seconds"`
	PauseCount       int       `json:"pause_count"`
	PauseHistory     []Pause   `json:"pause_history"`
	Notes            string    `json:"notes,omitempty"`
	Reason           Reason    `json:"reason"`
}
