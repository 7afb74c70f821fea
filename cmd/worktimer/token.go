package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goodtune/worktimer/internal/api"
	"github.com/goodtune/worktimer/internal/config"
	"github.com/goodtune/worktimer/internal/policy"
)

var (
	tokenUser string
	tokenRole string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API token for local testing",
	Long: `Sign a JWT with auth.jwt_secret. The user ID travels in the sub claim and
the role in the role claim.`,
	Example: `  curl -H "Authorization: Bearer $(worktimer token --user f1 --role freelancer)" localhost:8080/api/timer`,
	Args:    cobra.NoArgs,
	RunE:    runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID (required)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "Role: admin, client or freelancer (required)")
	_ = tokenCmd.MarkFlagRequired("user")
	_ = tokenCmd.MarkFlagRequired("role")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	role, err := policy.ParseRole(tokenRole)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	auth, err := api.NewAuth(cfg.Auth)
	if err != nil {
		return err
	}
	token, err := auth.GenerateToken(tokenUser, role)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
