package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forgelabs/indexforge/internal/models"
	"github.com/forgelabs/indexforge/internal/pipeline"
)

var cleanupNow bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run maintenance: delete expired retired versions and collect failed generations",
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupNow, "now", false, "run cleanup in this process instead of enqueueing it")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	if cleanupNow {
		maintenance := pipeline.NewMaintenance(registry, st)
		maintenance.RetiredGrace = cfg.RetiredGrace
		if err := maintenance.HandleCleanup(cmd.Context(), nil); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		if stats := maintenance.Stats(); stats != nil {
			fmt.Printf("Live vectors: %d\n", stats.LiveVectors)
			fmt.Printf("Index versions: %d\n", stats.IndexVersions)
			fmt.Printf("Storage bytes: %d\n", stats.StorageBytes)
		}
		return nil
	}

	id, err := brk.Enqueue(cmd.Context(), &models.Task{Type: models.TaskCleanup})
	if err != nil {
		return fmt.Errorf("enqueue cleanup: %w", err)
	}
	fmt.Printf("Cleanup task enqueued: %s\n", id)
	return nil
}
