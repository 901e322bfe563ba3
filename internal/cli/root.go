// Package cli provides the command-line interface for dataops.
package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/dataops-go/internal/client"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL    string
	authToken    string
	sessionID    string
	operator     string
	outputFormat string

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "dataops",
	Short: "Coordinate bulk file operations",
	Long: `Dataops talks to the dataops server to copy and delete files in bulk,
inspect the job ledger, and manage resource locks.

The server URL defaults to DATAOPS_SERVER_URL or http://localhost:5063.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		switch outputFormat {
		case "table", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format %q (want table, json or yaml)", outputFormat)
		}

		apiClient = client.New(serverURL)
		if authToken != "" {
			apiClient.WithToken(authToken)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Authorization header forwarded to workers (default $DATAOPS_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", defaultSession(), "session id")
	rootCmd.PersistentFlags().StringVarP(&operator, "operator", "u", os.Getenv("USER"), "operator name")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")

	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(statsCmd)
}

func defaultSession() string {
	if s := os.Getenv("DATAOPS_SESSION"); s != "" {
		return s
	}
	return "cli"
}

// render writes v as JSON or YAML, or calls table for the default format.
func render(w io.Writer, format string, v any, table func(io.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so field names follow the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	}
	table(w)
	return nil
}

func output(v any, table func(io.Writer)) error {
	return render(os.Stdout, outputFormat, v, table)
}

var errNotInteractive = errors.New("refusing to continue without a terminal; pass --force")

// confirm asks a yes/no question on stdin. Non-interactive input is refused
// rather than treated as consent.
func confirm(prompt string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, errNotInteractive
	}
	fmt.Printf("%s\n\nContinue? [y/N]: ", prompt)

	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read input: %w", err)
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes", nil
}
