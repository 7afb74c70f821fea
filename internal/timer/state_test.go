package timer

import (
	"errors"
	"testing"
	"time"
)

func newTestState(t *testing.T, hours float64) (*State, time.Time) {
	t.Helper()

	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	s, err := New(StartParams{
		UserID:         "user-1",
		ProjectID:      "project-1",
		JobCardID:      "card-1",
		Title:          "Design review",
		AllocatedHours: hours,
	}, now)
	if err != nil {
		t.Fatalf("new timer: %v", err)
	}
	return s, now
}

func TestNewRejectsNonPositiveAllocation(t *testing.T) {
	for _, hours := range []float64{0, -1} {
		if _, err := New(StartParams{UserID: "u", AllocatedHours: hours}, time.Now()); !errors.Is(err, ErrInvalidAllocation) {
			t.Fatalf("hours %v: expected ErrInvalidAllocation, got %v", hours, err)
		}
	}
}

func TestNewInitialState(t *testing.T) {
	s, now := newTestState(t, 2)

	if s.ID == "" {
		t.Fatal("expected generated ID")
	}
	if s.TimeRemaining != 7200 {
		t.Fatalf("expected 7200 seconds remaining, got %d", s.TimeRemaining)
	}
	if !s.IsRunning || s.IsPaused {
		t.Fatalf("expected running and not paused, got running=%v paused=%v", s.IsRunning, s.IsPaused)
	}
	if s.SyncVersion != 1 {
		t.Fatalf("expected sync version 1, got %d", s.SyncVersion)
	}
	if !s.StartTime.Equal(now) {
		t.Fatalf("expected start %v, got %v", now, s.StartTime)
	}
}

func TestTickFreezesWhilePaused(t *testing.T) {
	s, now := newTestState(t, 2)

	for i := 0; i < 10; i++ {
		s.Tick(1)
	}
	if s.TimeRemaining != 7190 {
		t.Fatalf("expected 7190 after 10 ticks, got %d", s.TimeRemaining)
	}

	if err := s.Pause(now.Add(10*time.Second), 3); err != nil {
		t.Fatalf("pause: %v", err)
	}
	for i := 0; i < 5; i++ {
		s.Tick(1)
	}
	if s.TimeRemaining != 7190 {
		t.Fatalf("expected 7190 while paused, got %d", s.TimeRemaining)
	}
}

func TestTickDoesNotBumpVersion(t *testing.T) {
	s, _ := newTestState(t, 1)
	s.Tick(30)
	if s.SyncVersion != 1 {
		t.Fatalf("expected sync version 1 after ticks, got %d", s.SyncVersion)
	}
}

func TestTickReportsExhaustion(t *testing.T) {
	s, _ := newTestState(t, 0.001) // 4 seconds

	if s.Tick(3) {
		t.Fatal("did not expect exhaustion after 3 seconds")
	}
	if !s.Tick(3) {
		t.Fatal("expected exhaustion")
	}
	if s.TimeRemaining != 0 {
		t.Fatalf("expected remaining clamped to 0, got %d", s.TimeRemaining)
	}
	if s.Tick(1) {
		t.Fatal("exhaustion must only be reported once")
	}
}

func TestPauseLimit(t *testing.T) {
	const maxPauses = 3
	s, now := newTestState(t, 1)

	for i := 0; i < maxPauses; i++ {
		if err := s.Pause(now, maxPauses); err != nil {
			t.Fatalf("pause %d: %v", i+1, err)
		}
		if err := s.Resume(now); err != nil {
			t.Fatalf("resume %d: %v", i+1, err)
		}
	}

	if err := s.Pause(now, maxPauses); !errors.Is(err, ErrPauseLimitExceeded) {
		t.Fatalf("expected ErrPauseLimitExceeded, got %v", err)
	}
	if s.PauseCount != maxPauses {
		t.Fatalf("expected pause count %d, got %d", maxPauses, s.PauseCount)
	}
	if !s.IsRunning {
		t.Fatal("failed pause must leave the timer running")
	}
}

func TestPauseUnlimited(t *testing.T) {
	s, now := newTestState(t, 1)
	for i := 0; i < 10; i++ {
		if err := s.Pause(now, 0); err != nil {
			t.Fatalf("pause %d: %v", i+1, err)
		}
		if err := s.Resume(now); err != nil {
			t.Fatalf("resume %d: %v", i+1, err)
		}
	}
	if s.PauseCount != 10 {
		t.Fatalf("expected 10 pauses, got %d", s.PauseCount)
	}
}

func TestTransitionErrors(t *testing.T) {
	s, now := newTestState(t, 1)

	if err := s.Resume(now); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
	if err := s.Pause(now, 0); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.Pause(now, 0); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if s.IsRunning && s.IsPaused {
		t.Fatal("running and paused must be mutually exclusive")
	}
}

func TestVersionIncrementsOnEveryMutation(t *testing.T) {
	s, now := newTestState(t, 1)

	_ = s.Pause(now, 0)
	_ = s.Resume(now)
	_ = s.Pause(now, 0)
	if s.SyncVersion != 4 {
		t.Fatalf("expected version 4, got %d", s.SyncVersion)
	}
}

func TestStopProducesLogEntry(t *testing.T) {
	s, now := newTestState(t, 1)
	s.Tick(600)
	_ = s.Pause(now.Add(10*time.Minute), 0)

	end := now.Add(20 * time.Minute)
	entry := s.Stop(end, "wrapped up", "")

	if entry.ID != s.ID || entry.TimerID != s.ID {
		t.Fatalf("expected log entry keyed by timer ID %s, got %s/%s", s.ID, entry.ID, entry.TimerID)
	}
	if entry.WorkedSeconds != 600 {
		t.Fatalf("expected 600 worked seconds, got %d", entry.WorkedSeconds)
	}
	if entry.Reason != ReasonManual {
		t.Fatalf("expected manual reason, got %s", entry.Reason)
	}
	if entry.PauseHistory[0].End == nil || !entry.PauseHistory[0].End.Equal(end) {
		t.Fatal("expected open pause to be closed at stop time")
	}
	if s.Active() {
		t.Fatal("stopped timer must not be active")
	}
}

func TestCloneIsDeep(t *testing.T) {
	s, now := newTestState(t, 1)
	_ = s.Pause(now, 0)

	c := s.Clone()
	end := now.Add(time.Minute)
	c.PauseHistory[0].End = &end

	if s.PauseHistory[0].End != nil {
		t.Fatal("clone shares pause history with original")
	}
}

func TestEquivalentIgnoresVersion(t *testing.T) {
	s, _ := newTestState(t, 1)
	c := s.Clone()
	c.SyncVersion = 9
	c.DeviceID = "other"

	if !Equivalent(s, c) {
		t.Fatal("expected equivalent states")
	}
	c.TimeRemaining--
	if Equivalent(s, c) {
		t.Fatal("expected differing remaining time to break equivalence")
	}
}
