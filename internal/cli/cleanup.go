package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	cleanupReclaimAfter time.Duration
	cleanupPruneDays    int
	cleanupSkipReclaim  bool
	cleanupSkipPrune    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reclaim stuck tasks and prune old finished ones",
	Long: `Run the registry maintenance pass once, on demand.

Reclamation marks non-terminal tasks older than --reclaim-after as failed;
these are rows left behind when the orchestrator stopped mid-run. Pruning
deletes terminal tasks whose completion is older than --prune-days.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("task registry not initialized")
		}

		if !cleanupSkipReclaim {
			n, err := Registry.ReclaimStuck(cleanupReclaimAfter)
			if err != nil {
				return fmt.Errorf("reclaiming stuck tasks: %w", err)
			}
			fmt.Printf("Reclaimed %d stuck task(s) older than %s.\n", n, cleanupReclaimAfter)
		}

		if !cleanupSkipPrune {
			olderThan := time.Duration(cleanupPruneDays) * 24 * time.Hour
			n, err := Registry.PruneOld(olderThan)
			if err != nil {
				return fmt.Errorf("pruning old tasks: %w", err)
			}
			fmt.Printf("Pruned %d finished task(s) older than %d day(s).\n", n, cleanupPruneDays)
		}

		return nil
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupReclaimAfter, "reclaim-after", time.Hour, "Age past which a non-terminal task counts as stuck")
	cleanupCmd.Flags().IntVar(&cleanupPruneDays, "prune-days", 30, "Age in days past which finished tasks are deleted")
	cleanupCmd.Flags().BoolVar(&cleanupSkipReclaim, "no-reclaim", false, "Skip the reclamation step")
	cleanupCmd.Flags().BoolVar(&cleanupSkipPrune, "no-prune", false, "Skip the pruning step")
	rootCmd.AddCommand(cleanupCmd)
}
