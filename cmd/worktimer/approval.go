package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goodtune/worktimer/internal/approval"
	"github.com/goodtune/worktimer/internal/config"
	"github.com/goodtune/worktimer/internal/policy"
	"github.com/goodtune/worktimer/internal/storage"
)

var (
	approvalFreelancer string
	approvalProject    string
	approvalHours      float64
	approvalValue      float64
	approvalReason     string
	approvalRequired   int

	voteAdmin    string
	voteDecision string
	voteComment  string

	listStatus string
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Manage allocation approval requests",
}

var approvalCreateCmd = &cobra.Command{
	Use:     "create",
	Short:   "Open an approval request for an allocation",
	Example: `  worktimer approval create --freelancer f1 --project p1 --hours 80 --value 12000 --reason "phase two"`,
	Args:    cobra.NoArgs,
	RunE: withApprovals(func(ctx context.Context, svc *approval.Service, _ []string) error {
		needed, err := svc.NeedsApproval(ctx, approvalHours, approvalValue)
		if err != nil {
			return err
		}
		if !needed {
			printWarning("Allocation is under the approval thresholds; opening a request anyway")
		}

		req, err := svc.Create(ctx, approval.CreateRequest{
			FreelancerID:      approvalFreelancer,
			ProjectID:         approvalProject,
			AllocatedHours:    approvalHours,
			TotalValue:        approvalValue,
			Reason:            approvalReason,
			RequiredApprovals: approvalRequired,
		})
		if err != nil {
			return err
		}
		printApproval(req)
		return nil
	}),
}

var approvalVoteCmd = &cobra.Command{
	Use:     "vote [flags] REQUEST_ID",
	Short:   "Cast an admin vote",
	Example: `  worktimer approval vote --admin a1 --decision approve 3f1c...`,
	Args:    cobra.ExactArgs(1),
	RunE: withApprovals(func(ctx context.Context, svc *approval.Service, args []string) error {
		req, err := svc.SubmitVote(ctx, args[0], voteAdmin, storage.Decision(voteDecision), voteComment)
		if err != nil {
			return err
		}
		printApproval(req)
		return nil
	}),
}

var approvalShowCmd = &cobra.Command{
	Use:   "show [REQUEST_ID]",
	Short: "Show one request, or list requests",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApprovals(func(ctx context.Context, svc *approval.Service, args []string) error {
		if len(args) == 1 {
			req, err := svc.Get(ctx, args[0])
			if err != nil {
				return err
			}
			printApproval(req)
			return nil
		}

		reqs, err := svc.List(ctx, storage.ApprovalFilter{
			Status:       storage.ApprovalStatus(strings.ToUpper(listStatus)),
			FreelancerID: approvalFreelancer,
			ProjectID:    approvalProject,
		})
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			fmt.Println("No approval requests")
		}
		for i := range reqs {
			printApproval(&reqs[i])
		}
		return nil
	}),
}

func init() {
	approvalCreateCmd.Flags().StringVar(&approvalFreelancer, "freelancer", "", "Requesting freelancer ID (required)")
	approvalCreateCmd.Flags().StringVar(&approvalProject, "project", "", "Project ID (required)")
	approvalCreateCmd.Flags().Float64Var(&approvalHours, "hours", 0, "Allocated hours (required)")
	approvalCreateCmd.Flags().Float64Var(&approvalValue, "value", 0, "Total value of the allocation")
	approvalCreateCmd.Flags().StringVar(&approvalReason, "reason", "", "Why the allocation is needed")
	approvalCreateCmd.Flags().IntVar(&approvalRequired, "required", 0, "Approvals needed, never below the configured quorum (default from config)")
	_ = approvalCreateCmd.MarkFlagRequired("freelancer")
	_ = approvalCreateCmd.MarkFlagRequired("project")
	_ = approvalCreateCmd.MarkFlagRequired("hours")

	approvalVoteCmd.Flags().StringVar(&voteAdmin, "admin", "", "Voting admin ID (required)")
	approvalVoteCmd.Flags().StringVar(&voteDecision, "decision", "", "approve, reject or escalate (required)")
	approvalVoteCmd.Flags().StringVar(&voteComment, "comment", "", "Optional comment")
	_ = approvalVoteCmd.MarkFlagRequired("admin")
	_ = approvalVoteCmd.MarkFlagRequired("decision")

	approvalShowCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (PENDING, APPROVED, REJECTED, ESCALATED)")
	approvalShowCmd.Flags().StringVar(&approvalFreelancer, "freelancer", "", "Filter by freelancer")
	approvalShowCmd.Flags().StringVar(&approvalProject, "project", "", "Filter by project")

	approvalCmd.AddCommand(approvalCreateCmd, approvalVoteCmd, approvalShowCmd)
	rootCmd.AddCommand(approvalCmd)
}

func withApprovals(fn func(ctx context.Context, svc *approval.Service, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger := quietLogger()

		store, err := openStorage(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		gate, err := policy.NewEngine(cfg.Policy, cfg.Approval, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Policy Engine: %w", err)
		}
		approvalCfg, err := approval.ConfigFrom(cfg.Approval)
		if err != nil {
			return err
		}

		svc := approval.NewService(store.Approvals(), gate, approvalCfg, logger)
		return fn(cmd.Context(), svc, args)
	}
}
