package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/dataops-go/internal/service"
)

var (
	deleteForce  bool
	deleteTaskID string
)

var deleteCmd = &cobra.Command{
	Use:   "delete <target>...",
	Short: "Move files or folders to the trash",
	Long: `Delete files or folders, given by id, by moving them to their zone's trash.

Folders are expanded into one job per file. Files that are being uploaded,
copied or deleted by another job are refused.
Requires confirmation unless --force is used.

Examples:
  dataops delete --project p1 a1 f2
  dataops delete --project p1 f2 --force`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().StringVarP(&projectID, "project", "p", "", "project id (required)")
	deleteCmd.Flags().StringVar(&deleteTaskID, "task", "", "task id")
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip confirmation")
	_ = deleteCmd.MarkFlagRequired("project")
}

func runDelete(cmd *cobra.Command, args []string) error {
	targets, err := parseTargets(args)
	if err != nil {
		return err
	}

	// Confirm deletion
	if !deleteForce {
		ok, err := confirm(fmt.Sprintf("About to delete %d target(s) from project %s: %s",
			len(targets), projectID, strings.Join(args, ", ")))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	return submitDelete(cmd.Context(), targets)
}

func submitDelete(ctx context.Context, targets []service.Target) error {
	res, err := apiClient.Submit(ctx, service.BatchRequest{
		Operator:  operator,
		SessionID: sessionID,
		TaskID:    deleteTaskID,
		ProjectID: projectID,
		Operation: service.OperationDelete,
		Payload:   service.BatchPayload{Targets: targets},
	})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return reportJobs(res.Jobs)
}
