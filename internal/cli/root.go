// Package cli implements the atd command-line interface. Service instances
// are injected by the app wiring through the package-level variables in
// vars.go before Execute is called.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

var rootCmd = &cobra.Command{
	Use:   "atd",
	Short: "AI Task Delegate - run long AI-agent work in the background",
	Long: `AI Task Delegate (atd) hands long-running work to an external AI worker
CLI, keeps a durable record of every task, and lets you poll for progress
instead of blocking a session on a multi-minute run.

Tasks survive restarts: the registry is a SQLite database, and stuck tasks
left behind by a crash are reclaimed on a maintenance schedule.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("atd %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
