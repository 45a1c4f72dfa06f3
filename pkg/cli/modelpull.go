package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"

	"github.com/kulogix/webmodeldelivery/pkg/console"
	"github.com/kulogix/webmodeldelivery/pkg/downloader"
	"github.com/kulogix/webmodeldelivery/pkg/shardstore"
)

var (
	pullSource    string
	pullManifests []string
	pullVerify    bool
	pullList      bool
	pullCacheRoot string
)

// newModelPullCommand wraps downloader.Options: a source (local path, CDN
// base URL, or s3://bucket/prefix), one or more --manifest flags whose
// union gets materialized, and a --list mode that just prints the source's
// manifest names without downloading anything.
func newModelPullCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modelpull <source>",
		Short: "Download a model package's files to local disk",
		Args:  cobra.ExactArgs(1),
		RunE:  runModelPull,
	}

	cmd.Flags().StringArrayVar(&pullManifests, "manifest", nil, "Manifest name to resolve (repeatable; union of all given)")
	cmd.Flags().BoolVar(&pullVerify, "verify", false, "Verify each written file's sha256 against the filemap")
	cmd.Flags().BoolVar(&pullList, "list", false, "List available manifest names and exit")
	cmd.Flags().StringVar(&pullCacheRoot, "cache-root", "", "Local write-through cache directory for remote sources")

	return cmd
}

func parseSource(raw string) shardstore.Source {
	src := shardstore.Source{CacheRoot: pullCacheRoot}
	switch {
	case len(raw) > 5 && raw[:5] == "s3://":
		rest := raw[5:]
		bucket, prefix := rest, ""
		for i, c := range rest {
			if c == '/' {
				bucket, prefix = rest[:i], rest[i+1:]
				break
			}
		}
		src.S3 = &shardstore.S3Location{Bucket: bucket, Prefix: prefix}
	case len(raw) > 7 && (raw[:7] == "http://" || raw[:8] == "https://"):
		src.CDNBase = raw
	default:
		src.LocalBase = raw
	}
	return src
}

func runModelPull(cmd *cobra.Command, args []string) error {
	pullSource = args[0]
	src := parseSource(pullSource)
	d := downloader.New()
	ctx := context.Background()

	if pullList {
		names, err := d.ListManifests(ctx, src)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	}

	doc, err := d.Document(ctx, src)
	if err != nil {
		return err
	}

	var total int64
	if len(pullManifests) == 0 {
		for _, fe := range doc.Files {
			total += fe.Size
		}
	} else {
		for _, name := range pullManifests {
			if m, ok := doc.Manifests[name]; ok {
				total += m.Size
			}
		}
	}

	p := mpb.New()
	bar := newProgressBar(p, "modelpull", total)

	opts := downloader.Options{
		Manifests: pullManifests,
		Verify:    pullVerify,
		OnProgress: func(virtualPath string, loaded, total int64) {
			bar.setLoaded(loaded)
		},
	}

	outDir, paths, err := d.Download(ctx, src, opts)
	if err != nil {
		return err
	}
	p.Wait()

	console.Infof("downloaded %d file(s) into %s", len(paths), outDir)
	return nil
}
