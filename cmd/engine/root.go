package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"forge.dev/engine/internal/config"
	log "forge.dev/engine/internal/logging"
)

// Forge wraps the root command with the configuration resolved for this
// invocation.
type Forge struct {
	*cobra.Command
	Options config.Options
}

// Root represents the base command when called without any subcommands.
var Root *Forge

func init() {
	Root = &Forge{
		Command: &cobra.Command{
			Use:   "engine [sub-command]",
			Short: "Rule-based hermetic execution engine",
			Long: `The engine evaluates typed rules over content-addressed file trees and
runs external commands hermetically: inputs are snapshotted into a fresh
sandbox, declared outputs are captured back into the store, and every
invocation is cached by the digest of its fully specified request.`,
			RunE: func(cmd *cobra.Command, args []string) error {
				return cmd.Help()
			},
			PersistentPreRunE: setupRoot,
			DisableAutoGenTag: true,
		},
	}

	flags := Root.PersistentFlags()
	log.RegisterLoggingFlags(flags)
	flags.String("config", "", "path to a YAML configuration file")
	flags.String("workspace", ".", "workspace root for snapshot capture and file reads")
	flags.String("cache-root", defaultCacheRoot(), "directory holding the store and the persistent caches")
	flags.Int("workers", 0, "maximum concurrently running rule bodies (0 = number of CPUs)")
	flags.Bool("keep-sandboxes", false, "keep sandbox directories on disk for debugging")

	Root.AddCommand(ExecCmd)
	Root.AddCommand(SnapshotCmd)
}

// setupRoot installs the configured logger and resolves the layered
// options every subcommand reads.
func setupRoot(cmd *cobra.Command, _ []string) error {
	logger, err := log.GetBaseLogger(cmd)
	if err != nil {
		return fmt.Errorf("could not retrieve logger: %w", err)
	}
	slog.SetDefault(logger)

	builder := config.NewBuilder(map[string]string{
		"workspace":  ".",
		"cache-root": defaultCacheRoot(),
	})
	if file, err := cmd.Flags().GetString("config"); err == nil && file != "" {
		builder = builder.MergeFile(file)
	}
	opts, err := builder.MergeFlags(cmd.Flags()).Build()
	if err != nil {
		return err
	}
	Root.Options = opts

	return nil
}

func defaultCacheRoot() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "forge-engine")
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := Root.Execute(); err != nil {
		os.Exit(1)
	}
}
