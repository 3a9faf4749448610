package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var resultsJSON bool

var resultsCmd = &cobra.Command{
	Use:   "results <task>",
	Short: "Show a finished task's result or structured error",
	Long: `Show the final payload of a task: the worker's closing message on success,
or the structured error with a suggested remedy when the task failed.

For a task that is still running, the current progress snapshot is shown
instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Orch == nil {
			return fmt.Errorf("orchestrator not initialized")
		}

		task, err := Orch.Results(args[0])
		if err != nil {
			return fmt.Errorf("getting results for %s: %w", args[0], err)
		}

		if resultsJSON {
			data, err := json.MarshalIndent(task, "", "  ")
			if err != nil {
				return fmt.Errorf("formatting task as JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		if !task.Status.IsTerminal() {
			fmt.Printf("Task %s is still %s.\n", task.ID, task.Status)
			if p := progressFromTask(task); p != nil && p.CurrentAction != "" {
				fmt.Printf("Currently: %s (%d%%)\n", p.CurrentAction, p.Percent)
			}
			return nil
		}

		printOutcome(task)
		return nil
	},
}

func init() {
	resultsCmd.Flags().BoolVar(&resultsJSON, "json", false, "Output the task record as JSON")
	rootCmd.AddCommand(resultsCmd)
}
