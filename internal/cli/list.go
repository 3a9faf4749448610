package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

var (
	listStatus string
	listDir    string
	listLimit  int
	listJSON   bool
)

var (
	listWorking  = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	listDone     = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	listFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	listCanceled = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	listPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List delegated tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Orch == nil {
			return fmt.Errorf("orchestrator not initialized")
		}

		filter := models.TaskFilter{
			Status:     models.TaskStatus(listStatus),
			WorkingDir: listDir,
			Limit:      listLimit,
		}
		tasks, err := Orch.List(filter)
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}

		if listJSON {
			data, err := json.MarshalIndent(tasks, "", "  ")
			if err != nil {
				return fmt.Errorf("formatting tasks as JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		fmt.Printf("%-16s %-24s %-8s %-20s %s\n", "ID", "STATUS", "PROG", "CREATED", "INSTRUCTION")
		for _, task := range tasks {
			prog := "-"
			if p := progressFromTask(&task); p != nil {
				prog = fmt.Sprintf("%d%%", p.Percent)
			}
			status := styleForTaskStatus(task.Status).Render(string(task.Status))
			fmt.Printf("%-16s %-24s %-8s %-20s %s\n",
				task.ID,
				status,
				prog,
				task.CreatedAt.Format(time.DateTime),
				truncate(task.Instruction, 48))
		}
		return nil
	},
}

func styleForTaskStatus(status models.TaskStatus) lipgloss.Style {
	switch status {
	case models.StatusWorking:
		return listWorking
	case models.StatusCompleted, models.StatusCompletedWithWarnings:
		return listDone
	case models.StatusFailed, models.StatusCompletedWithErrors:
		return listFailed
	case models.StatusCanceled, models.StatusUnknown:
		return listCanceled
	case models.StatusPending:
		return listPending
	default:
		return lipgloss.NewStyle()
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending, working, completed, failed, ...)")
	listCmd.Flags().StringVar(&listDir, "dir", "", "Filter by working directory")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of tasks to show")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output tasks as JSON")
	rootCmd.AddCommand(listCmd)
}
