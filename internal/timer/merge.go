package timer

import (
	"sort"
)

// Merge reconciles two copies of the same session field by field: the
// larger pause count, the smaller remaining budget, the union of pause
// intervals and the earliest start win. Run flags come from whichever
// copy was written last. The result carries no new SyncVersion; callers
// assign one.
func Merge(local, remote *State) *State {
	newer, older := local, remote
	if remote.UpdatedAt.After(local.UpdatedAt) {
		newer, older = remote, local
	}

	merged := newer.Clone()

	if older.PauseCount > merged.PauseCount {
		merged.PauseCount = older.PauseCount
	}
	if older.TimeRemaining < merged.TimeRemaining {
		merged.TimeRemaining = older.TimeRemaining
	}
	if older.StartTime.Before(merged.StartTime) {
		merged.StartTime = older.StartTime
	}
	merged.PauseHistory = mergePauses(local.PauseHistory, remote.PauseHistory)
	if len(merged.PauseHistory) > merged.PauseCount {
		merged.PauseCount = len(merged.PauseHistory)
	}

	// A running result cannot hold an open pause from the stale side.
	if merged.IsRunning {
		for i := range merged.PauseHistory {
			if merged.PauseHistory[i].End == nil {
				end := newer.UpdatedAt
				merged.PauseHistory[i].End = &end
			}
		}
	}

	if merged.SyncVersion < older.SyncVersion {
		merged.SyncVersion = older.SyncVersion
	}
	return merged
}

// mergePauses unions two pause histories keyed by start time. When both
// sides hold the same pause, a closed interval beats an open one.
func mergePauses(a, b []Pause) []Pause {
	byStart := make(map[int64]Pause, len(a)+len(b))
	for _, list := range [][]Pause{a, b} {
		for _, p := range list {
			key := p.Start.UnixNano()
			existing, ok := byStart[key]
			if !ok || (existing.End == nil && p.End != nil) {
				byStart[key] = p
			}
		}
	}

	out := make([]Pause, 0, len(byStart))
	for _, p := range byStart {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return clonePauses(out)
}
