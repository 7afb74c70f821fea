package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
	"github.com/goodtune/worktimer/internal/timersync"
)

var (
	cyan   = color.New(color.FgCyan, color.Bold)
	green  = color.New(color.FgGreen, color.Bold)
	yellow = color.New(color.FgYellow, color.Bold)
	red    = color.New(color.FgRed, color.Bold)
)

func rule(title string) {
	fmt.Println()
	_, _ = cyan.Println(strings.Repeat("━", 50))
	_, _ = cyan.Println(title)
	_, _ = cyan.Println(strings.Repeat("━", 50))
	fmt.Println()
}

func printWarning(msg string) {
	_, _ = yellow.Println("⚠️  " + msg)
}

// clock formats seconds as H:MM:SS.
func clock(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	return fmt.Sprintf("%d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

func printState(state *timer.State) {
	rule("TIMER")
	if state == nil {
		fmt.Println("No active timer")
		fmt.Println()
		return
	}

	fmt.Printf("ID:         %s\n", state.ID)
	fmt.Printf("Project:    %s\n", state.ProjectID)
	if state.JobCardID != "" {
		fmt.Printf("Job card:   %s (%s)\n", state.JobCardID, state.Title)
	}
	fmt.Printf("Remaining:  %s of %.2fh\n", clock(state.TimeRemaining), state.AllocatedHours)
	fmt.Printf("Pauses:     %d\n", state.PauseCount)
	fmt.Printf("Version:    %d\n", state.SyncVersion)

	_, _ = cyan.Print("State:      ")
	switch {
	case state.IsRunning:
		_, _ = green.Println("RUNNING")
	case state.IsPaused:
		_, _ = yellow.Println("PAUSED")
	default:
		_, _ = red.Println("STOPPED")
	}
	fmt.Println()
}

func printStatus(status timersync.Status) {
	printState(status.State)

	online := green.Sprint("online")
	if !status.Online {
		online = red.Sprint("offline")
	}
	fmt.Printf("Network:    %s\n", online)
	fmt.Printf("Confirmed:  v%d\n", status.ConfirmedVersion)
	fmt.Printf("Outbox:     %d queued write(s)\n", status.OutboxDepth)
	if status.Conflict != nil {
		printConflict(*status.Conflict)
	}
	fmt.Println()
}

func printConflict(c timersync.SyncConflict) {
	_, _ = red.Println("\nSYNC CONFLICT")
	fmt.Printf("Timer:      %s\n", c.TimerID)
	if c.Local != nil {
		fmt.Printf("Local:      v%d, %s remaining, %d pause(s)\n", c.Local.SyncVersion, clock(c.Local.TimeRemaining), c.Local.PauseCount)
	}
	if c.Remote != nil {
		fmt.Printf("Remote:     v%d, %s remaining, %d pause(s)\n", c.Remote.SyncVersion, clock(c.Remote.TimeRemaining), c.Remote.PauseCount)
	} else {
		fmt.Println("Remote:     (no active timer)")
	}
	fmt.Println("Resolve with: worktimer timer resolve local|remote|merge")
}

func printLogEntry(entry *timer.LogEntry) {
	rule("TIME LOG")
	if entry == nil {
		fmt.Println("No time log recorded")
		return
	}
	fmt.Printf("ID:         %s\n", entry.ID)
	fmt.Printf("Timer:      %s\n", entry.TimerID)
	fmt.Printf("Project:    %s\n", entry.ProjectID)
	fmt.Printf("Worked:     %s of %s\n", clock(entry.WorkedSeconds), clock(entry.AllocatedSeconds))
	fmt.Printf("Pauses:     %d\n", entry.PauseCount)
	fmt.Printf("Reason:     %s\n", entry.Reason)
	if entry.Notes != "" {
		fmt.Printf("Notes:      %s\n", entry.Notes)
	}
	fmt.Println()
}

func printApproval(req *storage.ApprovalRequest) {
	rule("APPROVAL REQUEST")
	fmt.Printf("ID:         %s\n", req.ID)
	fmt.Printf("Freelancer: %s\n", req.FreelancerID)
	fmt.Printf("Project:    %s\n", req.ProjectID)
	fmt.Printf("Allocation: %.2fh (value %.2f)\n", req.AllocatedHours, req.TotalValue)
	if req.Reason != "" {
		fmt.Printf("Reason:     %s\n", req.Reason)
	}
	fmt.Printf("Quorum:     %d approval(s)\n", req.RequiredApprovals)

	_, _ = cyan.Print("Status:     ")
	switch req.Status {
	case storage.StatusApproved:
		_, _ = green.Println(req.Status)
	case storage.StatusRejected:
		_, _ = red.Println(req.Status)
	case storage.StatusEscalated:
		_, _ = yellow.Println(req.Status)
	default:
		fmt.Println(req.Status)
	}

	if len(req.Approvals) > 0 {
		fmt.Println("Votes:")
		for _, v := range req.Approvals {
			line := fmt.Sprintf("  %-10s %s at %s", v.Decision, v.AdminID, v.CastAt.Format(time.RFC3339))
			if v.Comment != "" {
				line += " (" + v.Comment + ")"
			}
			fmt.Println(line)
		}
	}
	fmt.Println()
}
