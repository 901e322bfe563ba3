package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/dataops-go/internal/models"
	"github.com/raphaelgruber/dataops-go/internal/service"
)

var (
	jobsLabel  string
	jobsJobID  string
	jobsCode   string
	jobsAction string
	jobsAll    bool
	purgeForce bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List, watch or purge jobs of a session",
	Long: `List the jobs recorded for the current session, newest first.

Filters accept "*" to match anything.

Examples:
  dataops jobs
  dataops jobs --action data_delete
  dataops jobs watch
  dataops jobs purge --job abc123`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream job changes until interrupted",
	Long: `Stream the session's jobs whenever they change.

With --job on a terminal and table output, a progress bar for that job is
shown instead until it succeeds or is terminated.

Examples:
  dataops jobs watch
  dataops jobs watch --job 3f1c2a7e-1700000000`,
	Args: cobra.NoArgs,
	RunE:  runJobsWatch,
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete jobs from the ledger",
	Args:  cobra.NoArgs,
	RunE:  runJobsPurge,
}

func init() {
	for _, c := range []*cobra.Command{jobsCmd, jobsWatchCmd, jobsPurgeCmd} {
		c.Flags().StringVar(&jobsLabel, "label", "", "job label (default any)")
		c.Flags().StringVar(&jobsJobID, "job", "", "job id")
		c.Flags().StringVar(&jobsCode, "code", "", "project code")
		c.Flags().StringVar(&jobsAction, "action", "", "job action, e.g. data_transfer")
	}
	jobsCmd.Flags().BoolVar(&jobsAll, "all-operators", false, "include jobs of other operators")
	jobsPurgeCmd.Flags().BoolVarP(&purgeForce, "force", "f", false, "skip confirmation")

	jobsCmd.AddCommand(jobsWatchCmd)
	jobsCmd.AddCommand(jobsPurgeCmd)
}

func jobFilter() service.JobFilter {
	f := service.JobFilter{
		SessionID: sessionID,
		Label:     jobsLabel,
		JobID:     jobsJobID,
		Code:      jobsCode,
		Action:    jobsAction,
		Operator:  operator,
	}
	if jobsAll {
		f.Operator = service.Wildcard
	}
	return f
}

func runJobsList(cmd *cobra.Command, args []string) error {
	jobs, err := apiClient.ListJobs(cmd.Context(), jobFilter())
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	return output(jobs, func(w io.Writer) { printJobs(w, jobs) })
}

func printJobs(w io.Writer, jobs []models.Job) {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(w, "No jobs found")
		return
	}

	_, _ = fmt.Fprintf(w, "%-36s %-14s %-22s %-9s %-9s %s\n", "JOB", "ACTION", "STATUS", "PROGRESS", "UPDATED", "SOURCE")
	_, _ = fmt.Fprintln(w, "----------------------------------------------------------------------------------------------------------")
	color := isTerminal(w)
	for _, job := range jobs {
		updated := time.Unix(job.UpdatedAt(), 0).Format("15:04:05")
		_, _ = fmt.Fprintf(w, "%-36s %-14s %s %-9s %-9s %s\n",
			job.JobID, job.Action, statusCell(job.Status, 22, color), fmt.Sprintf("%d%%", job.Progress), updated, job.Source)
		if msg, ok := job.Payload["error"].Str(); ok && job.Status == models.StatusTerminated {
			_, _ = fmt.Fprintf(w, "    error: %s\n", msg)
		}
	}
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	if jobsJobID != "" && outputFormat == "table" && isTerminal(os.Stdout) {
		return runJobProgress(apiClient, jobFilter())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	err := apiClient.WatchJobs(ctx, jobFilter(), func(jobs []models.Job) error {
		if outputFormat == "table" {
			fmt.Printf("\n[%s]\n", time.Now().Format("15:04:05"))
		}
		return output(jobs, func(w io.Writer) { printJobs(w, jobs) })
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runJobsPurge(cmd *cobra.Command, args []string) error {
	f := jobFilter()
	if !purgeForce {
		ok, err := confirm(fmt.Sprintf("About to delete jobs of session %q matching job=%q action=%q code=%q.",
			f.SessionID, f.JobID, f.Action, f.Code))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	n, err := apiClient.DeleteJobs(cmd.Context(), f)
	if err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	fmt.Printf("Deleted %d job(s)\n", n)
	return nil
}
