package timersync

import (
	"errors"
	"fmt"

	"github.com/goodtune/worktimer/internal/timer"
)

var (
	// ErrSyncConflict is the sentinel every *ConflictError unwraps to.
	ErrSyncConflict = errors.New("sync conflict")

	ErrNoConflict          = errors.New("no sync conflict to resolve")
	ErrNetworkUnavailable  = errors.New("network unavailable")
	ErrUnmergeable         = errors.New("conflicting timers cannot be merged")
	ErrOperationSuperseded = errors.New("operation superseded by a later action")
	ErrEngineClosed        = errors.New("sync engine closed")
	ErrUnknownStrategy     = errors.New("unknown resolution strategy")
	ErrTooManyDevices      = errors.New("too many active devices for user")
)

// ConflictError reports a divergence between the local and remote timer.
// It is returned until ResolveConflict is called.
type ConflictError struct {
	Conflict SyncConflict
}

func (e *ConflictError) Error() string {
	remote := "absent"
	if e.Conflict.Remote != nil {
		remote = fmt.Sprintf("version %d", e.Conflict.Remote.SyncVersion)
	}
	return fmt.Sprintf("sync conflict on timer %s: local version %d, remote %s",
		e.Conflict.TimerID, e.Conflict.Local.SyncVersion, remote)
}

func (e *ConflictError) Unwrap() error { return ErrSyncConflict }

// QueuedError is returned when a mutation was applied locally but could not
// reach the timer store. The operation stays queued and is replayed on
// reconnect.
type QueuedError struct {
	State *timer.State
	Entry *timer.LogEntry
}

func (e *QueuedError) Error() string {
	return "operation queued for replay: " + ErrNetworkUnavailable.Error()
}

func (e *QueuedError) Unwrap() error { return ErrNetworkUnavailable }
