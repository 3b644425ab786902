package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forgelabs/indexforge/internal/server"
	"github.com/forgelabs/indexforge/internal/store"
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List stored index versions",
	RunE:  runVersions,
}

func init() {
	rootCmd.AddCommand(versionsCmd)
}

func runVersions(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	versions, err := server.ListVersions(ctx, st)
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}
	if len(versions) == 0 {
		fmt.Println("No versions found")
		return nil
	}

	current := ""
	if pointer, err := st.Pointer(ctx); err == nil {
		current = pointer.VersionID
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read pointer: %w", err)
	}

	fmt.Printf("%-16s %-5s %-10s %-6s %-8s %s\n", "VERSION", "SEQ", "VECTORS", "KIND", "STATE", "CREATED")
	fmt.Println("----------------------------------------------------------------------")
	for _, v := range versions {
		state := "stored"
		switch {
		case v.VersionID == current:
			state = "current"
		case v.RetiredAt != nil:
			state = "retired"
		}
		fmt.Printf("%-16s %-5d %-10d %-6s %-8s %s\n",
			v.VersionID, v.Seq, v.VectorCount, v.IndexKind, state,
			v.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}
