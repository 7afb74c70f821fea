package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/goodtune/worktimer/internal/config"
	"github.com/goodtune/worktimer/internal/events"
	"github.com/goodtune/worktimer/internal/timer"
	"github.com/goodtune/worktimer/internal/timersync"
)

var (
	timerUser    string
	timerDevice  string
	timerTimeout time.Duration

	startProject string
	startJobCard string
	startTitle   string
	startSlot    string
	startHours   float64
	startKey     string

	stopNotes  string
	stopReason string
)

var timerCmd = &cobra.Command{
	Use:   "timer",
	Short: "Operate a user's timer from this device",
	Long: `Run a device sync engine against the configured store and apply one
operation. Writes that cannot reach the store stay in the device outbox and are
replayed the next time the engine runs.`,
}

var timerStartCmd = &cobra.Command{
	Use:     "start",
	Short:   "Start a timer",
	Example: `  worktimer timer start --user u1 --device laptop --project p1 --job-card jc1 --title "API work" --hours 2`,
	Args:    cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *timersync.Engine, _ []string) error {
		state, err := e.Start(ctx, timersync.StartRequest{
			ProjectID:      startProject,
			JobCardID:      startJobCard,
			Title:          startTitle,
			SlotID:         startSlot,
			AllocatedHours: startHours,
			IdempotencyKey: startKey,
		})
		return reportState(ctx, e, state, err)
	}),
}

var timerPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the running timer",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *timersync.Engine, _ []string) error {
		state, err := e.Pause(ctx)
		return reportState(ctx, e, state, err)
	}),
}

var timerResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the paused timer",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *timersync.Engine, _ []string) error {
		state, err := e.Resume(ctx)
		return reportState(ctx, e, state, err)
	}),
}

var timerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the timer and record its time log",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *timersync.Engine, _ []string) error {
		entry, err := e.Stop(ctx, stopNotes, timer.Reason(stopReason))
		var queued *timersync.QueuedError
		if errors.As(err, &queued) {
			entry = queued.Entry
			err = nil
			printWarning("Store unreachable: stop queued in the device outbox")
		}
		if err != nil {
			return err
		}
		if err := settle(ctx, e); err != nil {
			return err
		}
		printLogEntry(entry)
		return nil
	}),
}

var timerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the device's view of the timer",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *timersync.Engine, _ []string) error {
		if err := settle(ctx, e); err != nil {
			return err
		}
		status, err := e.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(status)
		return nil
	}),
}

var timerSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued writes and reconcile with the store",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *timersync.Engine, _ []string) error {
		if err := e.SyncAll(ctx); err != nil && !errors.Is(err, timersync.ErrSyncConflict) {
			return err
		}
		status, err := e.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(status)
		return nil
	}),
}

var timerResolveCmd = &cobra.Command{
	Use:       "resolve local|remote|merge",
	Short:     "Resolve a sync conflict",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"local", "remote", "merge"},
	RunE: withEngine(func(ctx context.Context, e *timersync.Engine, args []string) error {
		strategy, err := timersync.ParseStrategy(args[0])
		if err != nil {
			return err
		}
		// The conflict only exists once the engine has compared with the store.
		if err := e.SyncAll(ctx); err != nil && !errors.Is(err, timersync.ErrSyncConflict) {
			return err
		}
		state, err := e.ResolveConflict(ctx, strategy)
		return reportState(ctx, e, state, err)
	}),
}

func init() {
	timerCmd.PersistentFlags().StringVar(&timerUser, "user", "", "User ID (required)")
	timerCmd.PersistentFlags().StringVar(&timerDevice, "device", "cli", "Device ID")
	timerCmd.PersistentFlags().DurationVar(&timerTimeout, "timeout", 30*time.Second, "Overall command timeout")
	_ = timerCmd.MarkPersistentFlagRequired("user")

	timerStartCmd.Flags().StringVar(&startProject, "project", "", "Project ID (required)")
	timerStartCmd.Flags().StringVar(&startJobCard, "job-card", "", "Job card ID")
	timerStartCmd.Flags().StringVar(&startTitle, "title", "", "Job card title")
	timerStartCmd.Flags().StringVar(&startSlot, "slot", "", "Time slot ID")
	timerStartCmd.Flags().Float64Var(&startHours, "hours", 0, "Allocated hours (required)")
	timerStartCmd.Flags().StringVar(&startKey, "idempotency-key", "", "Key that makes a repeated start return the original timer")
	_ = timerStartCmd.MarkFlagRequired("project")
	_ = timerStartCmd.MarkFlagRequired("hours")

	timerStopCmd.Flags().StringVar(&stopNotes, "notes", "", "Completion notes")
	timerStopCmd.Flags().StringVar(&stopReason, "reason", string(timer.ReasonManual), "Completion reason (manual, completed)")

	timerCmd.AddCommand(timerStartCmd, timerPauseCmd, timerResumeCmd, timerStopCmd, timerStatusCmd, timerSyncCmd, timerResolveCmd)
	rootCmd.AddCommand(timerCmd)
}

// withEngine runs fn against a sync engine for --user on --device. The
// engine is not ticked; the countdown only moves in the server.
func withEngine(fn func(ctx context.Context, e *timersync.Engine, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger := quietLogger()

		st, err := openStores(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		engineCfg := timersync.ConfigFrom(cfg.Timer, cfg.Sync)
		engineCfg.TickInterval = 0
		engineCfg.AutoSyncInterval = 0

		engine, err := timersync.NewEngine(timerUser, timerDevice, timersync.Deps{
			Remote: st.remote.Timers(),
			Logs:   st.db,
			Local:  st.local,
			Bus:    events.NewBus(),
			Clock:  timer.RealClock{},
			Logger: logger,
		}, engineCfg)
		if err != nil {
			return fmt.Errorf("failed to start sync engine: %w", err)
		}
		defer engine.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timerTimeout)
		defer cancel()
		return fn(ctx, engine, args)
	}
}

// reportState prints the outcome of a mutation after the outbox has been
// given a chance to drain.
func reportState(ctx context.Context, e *timersync.Engine, state *timer.State, err error) error {
	var queued *timersync.QueuedError
	if errors.As(err, &queued) {
		printWarning("Store unreachable: change queued in the device outbox")
		printState(queued.State)
		return nil
	}
	if err != nil {
		return err
	}
	if err := settle(ctx, e); err != nil {
		return err
	}
	printState(state)
	return nil
}

// settle waits for queued writes and reconciles. A detected conflict is
// reported, not treated as a failure.
func settle(ctx context.Context, e *timersync.Engine) error {
	err := e.SyncAll(ctx)
	var conflict *timersync.ConflictError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &conflict):
		printConflict(conflict.Conflict)
		return nil
	case errors.Is(err, timersync.ErrNetworkUnavailable):
		printWarning("Store unreachable: showing the device's local copy")
		return nil
	default:
		return err
	}
}
