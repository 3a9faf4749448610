package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <task>",
	Short: "Show a task's current status and inferred progress",
	Long: `Show the registry record for a task: lifecycle status, inferred progress,
and timing. The task may be addressed by ID, external ID, or alias.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Orch == nil {
			return fmt.Errorf("orchestrator not initialized")
		}

		task, err := Orch.Status(args[0])
		if err != nil {
			return fmt.Errorf("getting task %s: %w", args[0], err)
		}

		if statusJSON {
			data, err := json.MarshalIndent(task, "", "  ")
			if err != nil {
				return fmt.Errorf("formatting task as JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Task:    %s\n", task.ID)
		if task.Alias != "" {
			fmt.Printf("Alias:   %s\n", task.Alias)
		}
		fmt.Printf("Status:  %s\n", task.Status)
		fmt.Printf("Origin:  %s\n", task.Origin)
		if task.WorkingDir != "" {
			fmt.Printf("Dir:     %s\n", task.WorkingDir)
		}
		fmt.Printf("Created: %s\n", task.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Updated: %s\n", task.UpdatedAt.Format(time.RFC3339))
		if task.CompletedAt != nil {
			fmt.Printf("Done:    %s\n", task.CompletedAt.Format(time.RFC3339))
		}

		if p := progressFromTask(task); p != nil {
			fmt.Printf("\nProgress: %d%% (%d/%d steps, %d files changed, %d commands run)\n",
				p.Percent, p.CompletedSteps, p.TotalSteps, p.FilesChanged, p.CommandsRun)
			if p.CurrentAction != "" {
				fmt.Printf("Current:  %s\n", p.CurrentAction)
			}
		}

		if !task.Status.IsTerminal() && task.PollHintSecs > 0 {
			fmt.Printf("\nStill running; check again in about %d seconds.\n", task.PollHintSecs)
		}

		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output the task record as JSON")
	rootCmd.AddCommand(statusCmd)
}
