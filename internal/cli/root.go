// Package cli provides the command-line interface for indexforge.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgelabs/indexforge/internal/broker"
	"github.com/forgelabs/indexforge/internal/config"
	"github.com/forgelabs/indexforge/internal/events"
	"github.com/forgelabs/indexforge/internal/pipeline"
	"github.com/forgelabs/indexforge/internal/store"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config and wired backends
	cfg      config.Config
	st       store.Store
	brk      broker.Broker
	bus      events.Bus
	registry *pipeline.Registry

	cleanupLogger func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "indexforge",
	Short: "Vector index build and hot-swap pipeline",
	Long: `Indexforge rebuilds similarity indexes from document embeddings and
swaps them into service with zero downtime.

A rebuild runs as a generation: documents are chunked into batches,
embedded by a worker pool, assembled into a content-addressed index
version, validated against the live index and promoted through an
atomic pointer swap. Retired versions stay available for rollback.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip backend wiring for version and help commands
		switch cmd.Name() {
		case "version", "help", "completion":
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}

		logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)
		cleanupLogger = cleanup

		if err := wireBackends(cmd.Context()); err != nil {
			return err
		}
		registry = pipeline.NewRegistry(st)
		registry.BarrierTimeout = cfg.BarrierTimeout
		if err := registry.Restore(cmd.Context()); err != nil {
			return fmt.Errorf("restore registry: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if brk != nil {
			if err := brk.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close broker: %v\n", err)
			}
		}
		if bus != nil {
			if err := bus.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close event bus: %v\n", err)
			}
		}
		if cleanupLogger != nil {
			if err := cleanupLogger(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
