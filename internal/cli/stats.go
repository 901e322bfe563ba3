package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/dataops-go/internal/metrics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server statistics",
	Long: `Show server runtime statistics: operation timings and dispatch outcomes
since the last restart.

Examples:
  dataops stats
  dataops stats -o json`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	stats, err := apiClient.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}
	return output(stats, func(w io.Writer) { printServerStats(w, stats) })
}

// printServerStats displays server runtime statistics.
func printServerStats(w io.Writer, stats *metrics.Snapshot) {
	_, _ = fmt.Fprintf(w, "Server Statistics (in-memory, since restart)\n")
	_, _ = fmt.Fprintf(w, "═══════════════════════════════════════════════\n")
	_, _ = fmt.Fprintf(w, "Uptime: %.1f seconds\n", stats.UptimeSeconds)

	for _, name := range slices.Sorted(maps.Keys(stats.Operations)) {
		op := stats.Operations[name]
		_, _ = fmt.Fprintf(w, "\n%s:\n", name)
		_, _ = fmt.Fprintf(w, "  Calls: %d, Total: %dms\n", op.Count, op.TotalTimeMs)
		_, _ = fmt.Fprintf(w, "  Time: avg %.1fms, min %dms, max %dms\n", op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
	}

	if len(stats.Outcomes) > 0 {
		_, _ = fmt.Fprintf(w, "\nDispatch outcomes:\n")
		for _, outcome := range slices.Sorted(maps.Keys(stats.Outcomes)) {
			_, _ = fmt.Fprintf(w, "  %-14s %d\n", outcome, stats.Outcomes[outcome])
		}
	}
}
