package timer

import "errors"

var (
	// ErrAlreadyRunning is returned when a user already has an active timer.
	ErrAlreadyRunning = errors.New("timer: already running")

	// ErrNotRunning is returned when pausing a timer that is not running.
	ErrNotRunning = errors.New("timer: not running")

	// ErrNotPaused is returned when resuming a timer that is not paused.
	ErrNotPaused = errors.New("timer: not paused")

	// ErrPauseLimitExceeded is returned when the configured maximum number of pauses has been used.
	ErrPauseLimitExceeded = errors.New("timer: pause limit exceeded")

	// ErrNoActiveTimer is returned when an operation needs an active timer and there is none.
	ErrNoActiveTimer = errors.New("timer: no active timer")

	// ErrInvalidAllocation is returned when a timer is started without a positive budget.
	ErrInvalidAllocation = errors.New("timer: allocated hours must be positive")
)
