package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pendingEnvironment string

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending approval gates",
	Long: `List protection-rule records still waiting for an approval decision,
oldest first.`,
	RunE: runPending,
}

func init() {
	pendingCmd.Flags().StringVarP(&pendingEnvironment, "environment", "e", "", "Only show approvals for this environment")
}

func runPending(cmd *cobra.Command, args []string) error {
	svc, closer, err := openService(cmd)
	if err != nil {
		return err
	}
	defer closer()

	pending, err := svc.ListPendingApprovals(cmd.Context(), pendingEnvironment)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	for _, v := range pending {
		created := "unknown"
		if v.CreatedAt != nil {
			created = v.CreatedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-30s %-20s %-12s %s\n", v.Repository+"/"+v.RowKey, v.EnvironmentName(), v.State, created)
	}
	return nil
}
