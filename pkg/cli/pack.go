package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kulogix/webmodeldelivery/pkg/console"
	"github.com/kulogix/webmodeldelivery/pkg/packager"
	"github.com/kulogix/webmodeldelivery/pkg/packager/ggufsplit"
)

var packOpts packager.Options
var packSplitBin, packHeaderBin string

// newPackCommand wraps packager.Options per the §6.5 packager CLI contract:
// one or more file/directory inputs, a required output directory, and the
// dedup/split/manifest-synthesis knobs the packager already implements.
func newPackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack <input>...",
		Short: "Build or update a content-addressed model package",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPack,
	}

	cmd.Flags().StringVarP(&packOpts.OutputDir, "output", "o", "", "Output directory")
	cmd.MarkFlagRequired("output")
	cmd.Flags().Int64Var(&packOpts.ChunkSize, "chunk-size", packager.DefaultChunkSize, "Byte-split chunk size in bytes")
	cmd.Flags().BoolVar(&packOpts.Merge, "merge", false, "Merge into an existing package instead of refusing")
	cmd.Flags().BoolVar(&packOpts.Overwrite, "overwrite", false, "Wipe any existing package before writing")
	cmd.Flags().StringVar(&packOpts.Manifest, "manifest", "", "Explicit manifest name; omit to auto-classify")
	cmd.Flags().Int64Var(&packOpts.GGUFShardThreshold, "gguf-shard-size", packager.DefaultGGUFShardThreshold, "Pre-split GGUF files larger than this many bytes (must stay under 2GiB)")
	cmd.Flags().BoolVar(&packOpts.KeepIntermediates, "keep-intermediates", false, "Keep the .intermediates directory used for GGUF pre-splitting")
	cmd.Flags().BoolVar(&packOpts.RemoveOriginals, "remove-originals", false, "Remove source files once published")
	cmd.Flags().StringArrayVar(&packOpts.Exclude, "exclude", nil, "Gitignore-style exclude pattern (repeatable)")
	cmd.Flags().BoolVar(&packOpts.DryRun, "dry-run", false, "Report what would be done without writing anything")
	cmd.Flags().StringVar(&packSplitBin, "gguf-split-bin", "gguf-split", "Path to the gguf-split tool")
	cmd.Flags().StringVar(&packHeaderBin, "gguf-header-bin", "gguf-header", "Path to the GGUF header-reading tool")

	return cmd
}

func runPack(cmd *cobra.Command, args []string) error {
	if packOpts.GGUFShardThreshold >= 2<<30 {
		return fmt.Errorf("--gguf-shard-size must be strictly less than 2GiB")
	}

	packOpts.Inputs = args
	packOpts.Verbose = console.ConsoleInstance.Level == console.DebugLevel
	packOpts.Splitter = &ggufsplit.Tool{SplitBin: packSplitBin, HeaderBin: packHeaderBin}
	packOpts.Logf = func(format string, a ...any) {
		console.Infof(format, a...)
	}

	result, err := packager.New(packOpts).Run(context.Background())
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		console.Warn(w)
	}
	if result.DryRun {
		console.Infof("dry run: %d new file(s), %d deduped, %d presplit group(s), %d byte(s) required",
			result.NewCount, result.DedupedCount, result.PresplitGroups, result.RequiredBytes)
		return nil
	}
	console.Infof("packed %d new file(s), %d deduped, into %s", result.NewCount, result.DedupedCount, packOpts.OutputDir)
	return nil
}
