package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forgelabs/indexforge/internal/metrics"
	"github.com/forgelabs/indexforge/internal/pipeline"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <version-id>",
	Short: "Promote a retired index version back into service",
	Long: `Rollback re-promotes a retired-but-still-stored version through the
normal promotion path. Query processes pick the change up through the
swap event or the next pointer poll.

Example:
  indexforge rollback v-3f2a9c81d04e`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	coordinator := pipeline.NewCoordinator(registry, st, bus, metrics.NewCollector())

	event, err := coordinator.Rollback(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if event == nil {
		fmt.Printf("Version %s is already current\n", args[0])
		return nil
	}

	fmt.Printf("Rolled back: %s -> %s\n", event.FromVersion, event.ToVersion)
	return nil
}
