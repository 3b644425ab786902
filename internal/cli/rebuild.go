package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forgelabs/indexforge/internal/pipeline"
)

var rebuildDocs string

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Start a new index rebuild generation",
	Long: `Rebuild stages the document set into batches and enqueues one
embedding task per batch. The running serve process picks the tasks up;
with the memory broker, rebuild must be triggered inside serve instead.

Example:
  indexforge rebuild --docs profiles.jsonl`,
	RunE: runRebuild,
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildDocs, "docs", "", "path to the JSONL document source")
	rebuildCmd.MarkFlagRequired("docs")
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, _ []string) error {
	dispatcher := pipeline.NewDispatcher(registry, st, brk, pipeline.JSONLSource{Path: rebuildDocs})
	dispatcher.BatchSize = cfg.BatchSize

	gen, err := dispatcher.Rebuild(cmd.Context())
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	fmt.Printf("Generation: %s\n", gen.ID)
	fmt.Printf("  Seq: %d\n", gen.Seq)
	fmt.Printf("  Documents: %d\n", gen.DocCount)
	fmt.Printf("  Batches: %d (size %d)\n", gen.TotalBatches, gen.BatchSize)
	fmt.Printf("  Status: %s\n", gen.Status)
	return nil
}
