package main

import (
	"fmt"

	"deptrack/internal/security"

	"github.com/spf13/cobra"
)

var (
	reviewApprover string
	reviewComment  string
)

var approveCmd = &cobra.Command{
	Use:   "approve <repository> <id>",
	Short: "Approve a pending deployment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReview(cmd, args[0], args[1], true)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <repository> <id>",
	Short: "Reject a pending deployment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReview(cmd, args[0], args[1], false)
	},
}

func init() {
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVarP(&reviewApprover, "approver", "a", "", "Login of the person making the decision (required)")
		c.Flags().StringVarP(&reviewComment, "comment", "m", "", "Optional decision comment")
		c.MarkFlagRequired("approver")
	}
}

func runReview(cmd *cobra.Command, repository, id string, approve bool) error {
	if err := security.ValidateRepository(repository); err != nil {
		return fmt.Errorf("invalid repository: %w", err)
	}
	if err := security.ValidateDeploymentID(id); err != nil {
		return fmt.Errorf("invalid deployment id: %w", err)
	}
	if err := security.ValidateLogin(reviewApprover); err != nil {
		return fmt.Errorf("invalid approver: %w", err)
	}

	svc, closer, err := openService(cmd)
	if err != nil {
		return err
	}
	defer closer()

	if approve {
		err = svc.Approve(cmd.Context(), repository, id, reviewApprover, reviewComment)
	} else {
		err = svc.Reject(cmd.Context(), repository, id, reviewApprover, reviewComment)
	}
	if err != nil {
		return err
	}

	verb := "approved"
	if !approve {
		verb = "rejected"
	}
	fmt.Printf("%s/%s %s by %s\n", repository, id, verb, reviewApprover)
	return nil
}
