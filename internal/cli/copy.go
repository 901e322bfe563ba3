package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/dataops-go/internal/client"
	"github.com/raphaelgruber/dataops-go/internal/models"
	"github.com/raphaelgruber/dataops-go/internal/service"
)

var (
	projectID   string
	copyDest    string
	copySource  string
	copyTaskID  string
	copyDryRun  bool
	copyRequest string
)

var copyCmd = &cobra.Command{
	Use:   "copy <target>[=<new-name>]...",
	Short: "Copy files or folders into another folder",
	Long: `Copy files or folders, given by id, into a destination folder.

Folders are expanded into one job per file. Append =name to a target to copy
it under a different name. Nothing is copied when any destination already
exists.

Examples:
  dataops copy --project p1 --dest f9 a1 a2
  dataops copy --project p1 --dest f9 a1=report-final.csv
  dataops copy --project p1 --dest f9 a1 --dry-run`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCopy,
}

func init() {
	copyCmd.Flags().StringVarP(&projectID, "project", "p", "", "project id (required)")
	copyCmd.Flags().StringVarP(&copyDest, "dest", "d", "", "destination folder id (required)")
	copyCmd.Flags().StringVar(&copySource, "source", "", "source folder id")
	copyCmd.Flags().StringVar(&copyTaskID, "task", "", "task id")
	copyCmd.Flags().StringVar(&copyRequest, "request", "", "request id (default generated)")
	copyCmd.Flags().BoolVar(&copyDryRun, "dry-run", false, "only check destinations for conflicts")
	_ = copyCmd.MarkFlagRequired("project")
	_ = copyCmd.MarkFlagRequired("dest")
}

// parseTargets turns "id" and "id=new-name" arguments into targets.
func parseTargets(args []string) ([]service.Target, error) {
	targets := make([]service.Target, 0, len(args))
	for _, arg := range args {
		id, rename, _ := strings.Cut(arg, "=")
		if id == "" {
			return nil, fmt.Errorf("invalid target %q", arg)
		}
		targets = append(targets, service.Target{ID: id, Rename: rename})
	}
	return targets, nil
}

func runCopy(cmd *cobra.Command, args []string) error {
	targets, err := parseTargets(args)
	if err != nil {
		return err
	}
	req := service.BatchRequest{
		Operator:  operator,
		SessionID: sessionID,
		TaskID:    copyTaskID,
		ProjectID: projectID,
		Operation: service.OperationCopy,
		Payload: service.BatchPayload{
			Targets:     targets,
			Source:      copySource,
			Destination: copyDest,
			RequestID:   copyRequest,
		},
	}

	if copyDryRun {
		res, err := apiClient.RepeatCheck(cmd.Context(), req)
		if err := conflictOutput(res, err); err != nil {
			return err
		}
		fmt.Println("No conflicts")
		return nil
	}

	res, err := apiClient.Submit(cmd.Context(), req)
	if err := conflictOutput(res, err); err != nil {
		return err
	}
	return reportJobs(res.Jobs)
}

// conflictOutput renders destination conflicts and turns them into an error.
func conflictOutput(res *client.SubmitResult, err error) error {
	if err == nil {
		return nil
	}
	if !client.IsStatus(err, http.StatusConflict) || res == nil {
		return err
	}
	if rerr := output(res.Conflicts, func(w io.Writer) { printConflicts(w, res.Conflicts) }); rerr != nil {
		return rerr
	}
	return errors.New("copy would overwrite existing resources")
}

func printConflicts(w io.Writer, conflicts []service.Conflict) {
	_, _ = fmt.Fprintf(w, "%-36s %-36s %s\n", "TARGET", "FOUND", "PATH")
	for _, c := range conflicts {
		_, _ = fmt.Fprintf(w, "%-36s %-36s %s\n", c.SourceID, c.FoundID, c.Path)
	}
}

// reportJobs prints dispatched jobs and fails when any of them was
// terminated during dispatch.
func reportJobs(jobs []models.Job) error {
	if err := output(jobs, func(w io.Writer) { printJobs(w, jobs) }); err != nil {
		return err
	}
	n := 0
	for _, j := range jobs {
		if j.Status == models.StatusTerminated {
			n++
		}
	}
	if n > 0 {
		return fmt.Errorf("%d of %d job(s) failed to dispatch", n, len(jobs))
	}
	return nil
}
