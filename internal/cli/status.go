package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current pointer and queue depths",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	pointer, err := st.Pointer(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Println("Current version: none (nothing promoted yet)")
	case err != nil:
		return fmt.Errorf("read pointer: %w", err)
	default:
		fmt.Printf("Current version: %s\n", pointer.VersionID)
		fmt.Printf("  Seq: %d\n", pointer.Seq)
		fmt.Printf("  Promoted: %s\n", pointer.UpdatedAt.Format(time.RFC3339))
	}

	fmt.Println("\nQueues:")
	for _, queue := range broker.Queues {
		depth, err := brk.QueueDepth(ctx, queue)
		if err != nil {
			return fmt.Errorf("queue depth %s: %w", queue, err)
		}
		fmt.Printf("  %-12s %d\n", queue, depth)
	}
	return nil
}
