package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/ai-task-delegate/internal/core"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

var (
	startDir      string
	startWorker   string
	startModel    string
	startMode     string
	startAlias    string
	startSession  string
	startIdleSecs int
	startHardSecs int
	startQuiet    bool
	startJSON     bool
)

var startCmd = &cobra.Command{
	Use:   "start <instruction>",
	Short: "Delegate a task to a background worker",
	Long: `Delegate a task to the configured AI worker CLI and wait for it to finish.

The instruction is passed to the worker verbatim as a single argument; it is
never interpreted by a shell. Progress inferred from the worker's event stream
is printed while the task runs. Use --quiet to print only the final outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Orch == nil {
			return fmt.Errorf("orchestrator not initialized")
		}

		req := core.StartTaskRequest{
			Instruction: args[0],
			WorkingDir:  startDir,
			Worker:      startWorker,
			Model:       startModel,
			Mode:        models.ExecMode(startMode),
			Alias:       startAlias,
			SessionID:   startSession,
			IdleTimeout: time.Duration(startIdleSecs) * time.Second,
			HardTimeout: time.Duration(startHardSecs) * time.Second,
		}

		task, err := Orch.StartTask(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("starting task: %w", err)
		}

		if !startQuiet {
			fmt.Printf("Task %s started.\n", task.ID)
		}

		final, err := waitForTerminal(task.ID)
		if err != nil {
			return err
		}

		if startJSON {
			data, err := json.MarshalIndent(final, "", "  ")
			if err != nil {
				return fmt.Errorf("formatting task as JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		printOutcome(final)
		if final.Status == models.StatusFailed {
			return fmt.Errorf("task %s failed", final.ID)
		}
		return nil
	},
}

// waitForTerminal polls the registry until the task reaches a terminal
// status, printing progress transitions along the way.
func waitForTerminal(taskID string) (*models.Task, error) {
	lastAction := ""
	for {
		task, err := Orch.Status(taskID)
		if err != nil {
			return nil, fmt.Errorf("polling task %s: %w", taskID, err)
		}
		if task.Status.IsTerminal() {
			return task, nil
		}

		if !startQuiet {
			if p := progressFromTask(task); p != nil && p.CurrentAction != "" && p.CurrentAction != lastAction {
				lastAction = p.CurrentAction
				fmt.Printf("  [%3d%%] %s\n", p.Percent, p.CurrentAction)
			}
		}

		time.Sleep(2 * time.Second)
	}
}

func printOutcome(task *models.Task) {
	fmt.Printf("\nTask %s: %s\n", task.ID, task.Status)
	if task.Result != "" {
		fmt.Printf("\n%s\n", task.Result)
	}
	if te := taskErrorFrom(task); te != nil {
		fmt.Printf("\nError [%s]: %s\n", te.Code, te.Message)
		if te.Suggestion != "" {
			fmt.Printf("Suggestion: %s\n", te.Suggestion)
		}
	}
}

func progressFromTask(task *models.Task) *models.ProgressSummary {
	if task.Steps == "" {
		return nil
	}
	var snap models.ProgressSummary
	if err := json.Unmarshal([]byte(task.Steps), &snap); err != nil {
		return nil
	}
	return &snap
}

func taskErrorFrom(task *models.Task) *models.TaskError {
	if task.Error == "" {
		return nil
	}
	var te models.TaskError
	if err := json.Unmarshal([]byte(task.Error), &te); err != nil {
		return nil
	}
	return &te
}

func init() {
	startCmd.Flags().StringVar(&startDir, "dir", "", "Working directory for the worker")
	startCmd.Flags().StringVar(&startWorker, "worker", "", "Named worker profile (defaults to default_worker)")
	startCmd.Flags().StringVar(&startModel, "model", "", "Model override passed to the worker")
	startCmd.Flags().StringVar(&startMode, "mode", "", "Execution mode: read-only, auto, or full-auto")
	startCmd.Flags().StringVar(&startAlias, "alias", "", "Human-friendly name to address the task by later")
	startCmd.Flags().StringVar(&startSession, "session", "", "Session ID for grouping tasks")
	startCmd.Flags().IntVar(&startIdleSecs, "idle-timeout", 0, "Inactivity timeout in seconds (0 = configured default)")
	startCmd.Flags().IntVar(&startHardSecs, "hard-timeout", 0, "Wall-clock timeout in seconds (0 = configured default)")
	startCmd.Flags().BoolVarP(&startQuiet, "quiet", "q", false, "Print only the final outcome")
	startCmd.Flags().BoolVar(&startJSON, "json", false, "Print the final task record as JSON")
	rootCmd.AddCommand(startCmd)
}
