package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task>",
	Short: "Cancel a running task",
	Long: `Cancel a running task, terminating its worker process. Canceling a task
that already finished is a no-op and leaves its recorded outcome untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Orch == nil {
			return fmt.Errorf("orchestrator not initialized")
		}

		task, err := Orch.Cancel(args[0])
		if err != nil {
			return fmt.Errorf("canceling task %s: %w", args[0], err)
		}

		if task.Status == models.StatusCanceled {
			fmt.Printf("Task %s canceled.\n", task.ID)
		} else {
			fmt.Printf("Task %s already finished with status %s.\n", task.ID, task.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
