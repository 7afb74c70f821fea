package timersync

import (
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/worktimer/internal/timer"
)

// SyncConflict records diverging local and remote copies of a timer.
type SyncConflict struct {
	TimerID    string       `json:"timer_id"`
	Local      *timer.State `json:"local"`
	Remote     *timer.State `json:"remote,omitempty"` // nil when the remote timer is gone
	DetectedAt time.Time    `json:"detected_at"`
}

func (c SyncConflict) clone() SyncConflict {
	out := c
	out.Local = c.Local.Clone()
	if c.Remote != nil {
		out.Remote = c.Remote.Clone()
	}
	return out
}

// Strategy selects how ResolveConflict builds the winning state.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyMerge  Strategy = "merge"
)

// ParseStrategy normalizes s to a known strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyLocal, StrategyRemote, StrategyMerge:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}
