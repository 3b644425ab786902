package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <generation-id>",
	Short: "Cancel a generation that has not reached validation",
	Long: `Cancel marks a pending, embedding or building generation as failed.
Workers observe the failed status and drop its outstanding batch tasks.
Active versions are never touched.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	if err := registry.Cancel(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	fmt.Printf("Generation %s cancelled\n", args[0])
	return nil
}
