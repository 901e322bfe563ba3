package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/dataops-go/internal/lock"
)

var (
	lockMode   string
	clearForce bool
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and manage resource locks",
	Long: `Take, release and inspect advisory locks on resource paths.

Several keys are locked in sorted order; locking stops at the first refusal
and keys locked before it stay held.

Examples:
  dataops locks acquire gr-proj/raw/a.txt --mode write
  dataops locks release gr-proj/raw/a.txt --mode write
  dataops locks check gr-proj/raw/a.txt
  dataops locks clear --force`,
}

var locksAcquireCmd = &cobra.Command{
	Use:   "acquire <key>...",
	Short: "Take a read or write lock",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLocksAcquire,
}

var locksReleaseCmd = &cobra.Command{
	Use:   "release <key>...",
	Short: "Release a read or write lock",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLocksRelease,
}

var locksCheckCmd = &cobra.Command{
	Use:   "check <key>",
	Short: "Show the lock entry of a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runLocksCheck,
}

var locksClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every lock entry",
	Args:  cobra.NoArgs,
	RunE:  runLocksClear,
}

func init() {
	for _, c := range []*cobra.Command{locksAcquireCmd, locksReleaseCmd} {
		c.Flags().StringVarP(&lockMode, "mode", "m", string(lock.Read), "lock mode: read or write")
	}
	locksClearCmd.Flags().BoolVarP(&clearForce, "force", "f", false, "skip confirmation")

	locksCmd.AddCommand(locksAcquireCmd)
	locksCmd.AddCommand(locksReleaseCmd)
	locksCmd.AddCommand(locksCheckCmd)
	locksCmd.AddCommand(locksClearCmd)
}

func printKeyStatus(w io.Writer, rows []lock.KeyStatus, yes, no string) {
	for _, r := range rows {
		state := no
		if r.Granted {
			state = yes
		}
		_, _ = fmt.Fprintf(w, "%-8s %s\n", state, r.Key)
	}
}

func runLocksAcquire(cmd *cobra.Command, args []string) error {
	op, err := lock.ParseOperation(lockMode)
	if err != nil {
		return err
	}
	rows, err := apiClient.BulkLock(cmd.Context(), args, op)
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if err := output(rows, func(w io.Writer) { printKeyStatus(w, rows, "locked", "refused") }); err != nil {
		return err
	}
	if !lock.AllGranted(rows) {
		return fmt.Errorf("not every key could be locked for %s", op)
	}
	return nil
}

func runLocksRelease(cmd *cobra.Command, args []string) error {
	op, err := lock.ParseOperation(lockMode)
	if err != nil {
		return err
	}
	rows, err := apiClient.BulkUnlock(cmd.Context(), args, op)
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	if err := output(rows, func(w io.Writer) { printKeyStatus(w, rows, "released", "not held") }); err != nil {
		return err
	}
	if !lock.AllGranted(rows) {
		return fmt.Errorf("not every key was held for %s", op)
	}
	return nil
}

func runLocksCheck(cmd *cobra.Command, args []string) error {
	status, err := apiClient.CheckLock(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("check lock: %w", err)
	}
	res := map[string]any{"key": args[0], "status": status}
	return output(res, func(w io.Writer) {
		if status == nil {
			_, _ = fmt.Fprintf(w, "%s: not locked\n", args[0])
			return
		}
		_, _ = fmt.Fprintf(w, "%s: %s (read_count,write_count)\n", args[0], *status)
	})
}

func runLocksClear(cmd *cobra.Command, args []string) error {
	if !clearForce {
		ok, err := confirm("About to remove every lock entry, including locks held by running jobs.")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Cancelled.")
			return nil
		}
	}
	n, err := apiClient.ClearLocks(cmd.Context())
	if err != nil {
		return fmt.Errorf("clear locks: %w", err)
	}
	fmt.Printf("Removed %d lock(s)\n", n)
	return nil
}
