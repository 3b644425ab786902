package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var generationsCmd = &cobra.Command{
	Use:   "generations [generation-id]",
	Short: "List or inspect rebuild generations",
	Long: `List all rebuild generations or inspect a specific one by ID.

Examples:
  indexforge generations           # List all generations
  indexforge generations abc123    # Show details for generation abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGenerations,
}

func init() {
	rootCmd.AddCommand(generationsCmd)
}

func runGenerations(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return showGeneration(cmd.Context(), args[0])
	}
	return listGenerations(cmd.Context())
}

func listGenerations(ctx context.Context) error {
	gens, err := registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	if len(gens) == 0 {
		fmt.Println("No generations found")
		return nil
	}

	fmt.Printf("%-10s %-5s %-12s %-8s %-8s %s\n", "ID", "SEQ", "STATUS", "DOCS", "BATCHES", "CREATED")
	fmt.Println("------------------------------------------------------------------")
	for _, gen := range gens {
		fmt.Printf("%-10s %-5d %-12s %-8d %-8d %s\n",
			gen.ID, gen.Seq, gen.Status, gen.DocCount, gen.TotalBatches,
			gen.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func showGeneration(ctx context.Context, id string) error {
	gen, err := registry.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get generation: %w", err)
	}

	fmt.Printf("Generation: %s\n", gen.ID)
	fmt.Printf("  Seq: %d\n", gen.Seq)
	fmt.Printf("  Status: %s\n", gen.Status)
	fmt.Printf("  Documents: %d\n", gen.DocCount)
	fmt.Printf("  Batches: %d (size %d)\n", gen.TotalBatches, gen.BatchSize)
	if gen.VersionID != "" {
		fmt.Printf("  Version: %s\n", gen.VersionID)
	}
	if gen.Error != "" {
		fmt.Printf("  Error: %s\n", gen.Error)
	}
	fmt.Printf("  Created: %s\n", gen.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  Updated: %s\n", gen.UpdatedAt.Format(time.RFC3339))
	return nil
}
