package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"forge.dev/engine/internal/blob"
	"forge.dev/engine/internal/digest"
	"forge.dev/engine/internal/pathglobs"
	"forge.dev/engine/internal/snapshot"
	"forge.dev/engine/internal/store"
)

// SnapshotCmd captures a directory tree into the content-addressed store
// and prints its root digest, mostly useful to inspect what the engine
// would see as a process input.
var SnapshotCmd = &cobra.Command{
	Use:   "snapshot [flags] <directory>",
	Short: "Capture a directory into the store and print its digest",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshot,
}

func init() {
	flags := SnapshotCmd.Flags()
	flags.StringArray("glob", nil, "restrict the capture to matching paths (repeatable)")
	flags.StringArray("ignore", nil, "paths never captured, e.g. output directories (repeatable)")
	flags.Bool("list", false, "also list the captured file paths")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	opts := Root.Options

	cas, err := store.NewCAS(opts.GetString("cache-root", defaultCacheRoot()))
	if err != nil {
		return err
	}
	defer func() { _ = cas.Close() }()

	globs, err := cmd.Flags().GetStringArray("glob")
	if err != nil {
		return err
	}
	ignore, err := cmd.Flags().GetStringArray("ignore")
	if err != nil {
		return err
	}
	list, err := cmd.Flags().GetBool("list")
	if err != nil {
		return err
	}

	captureOpts := snapshot.CaptureOptions{IgnorePatterns: ignore}
	if len(globs) > 0 {
		captureOpts.Globs = pathglobs.NewPathGlobs(globs...).WithOrigin("--glob")
	}

	captured, err := snapshot.Capture(ctx, cas, args[0], captureOpts)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", captured.Digest())
	if list {
		for _, f := range captured.Files() {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", f)
		}
	}
	return nil
}

// loadBytes reads a stored blob fully into memory.
func loadBytes(ctx context.Context, st store.Store, d digest.Digest) ([]byte, error) {
	b, err := st.LoadBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	return blob.ToBytes(b)
}
