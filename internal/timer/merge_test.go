package timer

import (
	"testing"
	"time"
)

func TestMergeFieldLevel(t *testing.T) {
	base, now := newTestState(t, 2)

	local := base.Clone()
	local.Tick(300)
	_ = local.Pause(now.Add(5*time.Minute), 0)

	remote := base.Clone()
	remote.Tick(120)
	_ = remote.Pause(now.Add(2*time.Minute), 0)
	_ = remote.Resume(now.Add(3 * time.Minute))
	_ = remote.Pause(now.Add(4*time.Minute), 0)
	_ = remote.Resume(now.Add(6 * time.Minute))

	merged := Merge(local, remote)

	if merged.PauseCount != 3 {
		t.Fatalf("expected 3 pauses (union), got %d", merged.PauseCount)
	}
	if merged.TimeRemaining != 7200-300 {
		t.Fatalf("expected smaller remaining %d, got %d", 7200-300, merged.TimeRemaining)
	}
	if !merged.IsRunning || merged.IsPaused {
		t.Fatal("expected run flags from the newer (remote) copy")
	}
	for i, p := range merged.PauseHistory {
		if p.End == nil {
			t.Fatalf("pause %d left open on a running timer", i)
		}
		if i > 0 && p.Start.Before(merged.PauseHistory[i-1].Start) {
			t.Fatal("pause history not ordered by start")
		}
	}
	if merged.SyncVersion != remote.SyncVersion {
		t.Fatalf("expected version carried from highest side %d, got %d", remote.SyncVersion, merged.SyncVersion)
	}
}

func TestMergeKeepsLargerPauseCount(t *testing.T) {
	base, now := newTestState(t, 1)

	local := base.Clone()
	local.PauseCount = 2

	remote := base.Clone()
	remote.UpdatedAt = now.Add(time.Minute)

	merged := Merge(local, remote)
	if merged.PauseCount != 2 {
		t.Fatalf("expected pause count 2, got %d", merged.PauseCount)
	}
}
