package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goodtune/worktimer/internal/config"
	"github.com/goodtune/worktimer/internal/policy"
)

var (
	checkRole    string
	checkUser    string
	checkOwner   string
	checkMembers []string
	checkHours   float64
	checkValue   float64
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] KIND",
	Short: "Check the capabilities a policy grants",
	Long: `Resolve the capability set a user holds on a resource of KIND (timer,
project, approval, upload, profile). With --hours or --value it also reports
whether that allocation needs admin approval.`,
	Example: `  worktimer check --role freelancer --user f1 --owner f1 timer
  worktimer check --role admin --user a1 --owner f1 --hours 80 approval
  worktimer check --role freelancer --user f2 --owner c1 --members f1,f2 project`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"timer", "project", "approval", "upload", "profile"},
	RunE:      runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkRole, "role", "", "Caller role: admin, client or freelancer (required)")
	checkCmd.Flags().StringVar(&checkUser, "user", "", "Caller user ID (required)")
	checkCmd.Flags().StringVar(&checkOwner, "owner", "", "Resource owner ID")
	checkCmd.Flags().StringSliceVar(&checkMembers, "members", nil, "Project member IDs")
	checkCmd.Flags().Float64Var(&checkHours, "hours", 0, "Allocation hours to test against the approval thresholds")
	checkCmd.Flags().Float64Var(&checkValue, "value", 0, "Allocation value to test against the approval thresholds")
	_ = checkCmd.MarkFlagRequired("role")
	_ = checkCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	role, err := policy.ParseRole(checkRole)
	if err != nil {
		return err
	}
	kind := policy.ResourceKind(strings.ToLower(args[0]))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	engine, err := policy.NewEngine(cfg.Policy, cfg.Approval, quietLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}

	subject := policy.Subject{UserID: checkUser, Role: role}
	resource := policy.Resource{Kind: kind, OwnerID: checkOwner, ProjectMembers: checkMembers}

	caps, err := engine.Capabilities(cmd.Context(), subject, resource)
	if err != nil {
		return err
	}

	rule("CAPABILITY CHECK")
	fmt.Printf("User:       %s (%s)\n", subject.UserID, subject.Role)
	fmt.Printf("Resource:   %s\n", resource.Kind)
	if resource.OwnerID != "" {
		fmt.Printf("Owner:      %s\n", resource.OwnerID)
	} else {
		fmt.Printf("Owner:      (not provided)\n")
	}
	if len(resource.ProjectMembers) > 0 {
		fmt.Printf("Members:    %s\n", strings.Join(resource.ProjectMembers, ", "))
	}
	fmt.Println()

	printCapability("view", caps.CanView)
	printCapability("edit", caps.CanEdit)
	printCapability("approve", caps.CanApprove)
	printCapability("upload", caps.CanUpload)
	printCapability("manage timer", caps.CanManageTimer)

	if cmd.Flags().Changed("hours") || cmd.Flags().Changed("value") {
		needed, err := engine.RequiresApproval(cmd.Context(), checkHours, checkValue)
		if err != nil {
			return err
		}
		fmt.Println()
		_, _ = cyan.Print("Allocation: ")
		if needed {
			_, _ = yellow.Printf("%.2fh / %.2f REQUIRES APPROVAL\n", checkHours, checkValue)
		} else {
			_, _ = green.Printf("%.2fh / %.2f within thresholds\n", checkHours, checkValue)
		}
	}

	fmt.Println()
	_, _ = cyan.Println(strings.Repeat("━", 50))
	fmt.Println()
	return nil
}

func printCapability(name string, granted bool) {
	fmt.Printf("  %-14s", name)
	if granted {
		_, _ = green.Println("ALLOW")
	} else {
		_, _ = red.Println("DENY")
	}
}
