package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/otcheredev/ris-dicom-indexer/internal/adapters"
	"github.com/otcheredev/ris-dicom-indexer/internal/config"
	"github.com/otcheredev/ris-dicom-indexer/internal/header"
	"github.com/otcheredev/ris-dicom-indexer/internal/indexer"
	"github.com/otcheredev/ris-dicom-indexer/internal/models"
	"github.com/otcheredev/ris-dicom-indexer/pkg/logger"
	"github.com/spf13/cobra"
)

type options struct {
	dir              string
	url              string
	base             string
	out              string
	splitDir         string
	workers          int
	limit            int
	timeout          time.Duration
	requireSignature bool
	logLevel         string
	logFormat        string

	// decoder overrides the DICOM decoder in tests.
	decoder header.Decoder
}

func newRootCmd() *cobra.Command {
	opts := defaultOptions()

	cmd := &cobra.Command{
		Use:   "dicom-indexer",
		Short: "Build a patient/study/series index from a tree of DICOM files",
		Long: `Walks a directory (or crawls a hypertext listing with --url), reads the
header of every candidate file and writes a JSON index. With --split-dir it
also writes a manifest and one shard per patient for lazy loading.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.InitWriter(opts.logLevel, opts.logFormat, cmd.ErrOrStderr())
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.dir, "dir", "d", opts.dir, "Source directory to walk")
	f.StringVar(&opts.url, "url", opts.url, "Crawl this listing URL instead of walking --dir")
	f.StringVarP(&opts.base, "base", "b", opts.base, "Base scope stored in the index and prefixed to file locations")
	f.StringVarP(&opts.out, "out", "o", opts.out, "Output path of the full index")
	f.StringVar(&opts.splitDir, "split-dir", opts.splitDir, "Also write manifest.json and patients/<id>.json below this directory")
	f.IntVarP(&opts.workers, "workers", "w", opts.workers, "Concurrent header reads")
	f.IntVar(&opts.limit, "limit", opts.limit, "Maximum number of files to consider (0 for no limit)")
	f.DurationVar(&opts.timeout, "timeout", opts.timeout, "Timeout of a single fetch or listing when crawling")
	f.BoolVar(&opts.requireSignature, "require-signature", opts.requireSignature, "Skip files without the DICM marker before decoding")
	f.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", opts.logFormat, "Log format (json, console)")

	return cmd
}

// defaultOptions seeds flag defaults from the environment
func defaultOptions() *options {
	opts := &options{
		dir:       "./dicoms",
		base:      indexer.DefaultBase,
		out:       "./dicoms.index.json",
		workers:   indexer.DefaultWorkers,
		limit:     100000,
		timeout:   5 * time.Second,
		logLevel:  "info",
		logFormat: "console",
	}
	cfg, err := config.Load()
	if err != nil {
		return opts
	}
	opts.dir = cfg.Index.SourceDir
	opts.url = cfg.Index.SourceURL
	opts.base = cfg.Index.Base
	opts.out = cfg.Index.OutputPath
	opts.splitDir = cfg.Index.SplitDir
	opts.workers = cfg.Index.Workers
	opts.limit = cfg.Index.Limit
	opts.timeout = cfg.Index.RequestTimeout
	opts.requireSignature = cfg.Index.RequireSignature
	opts.logLevel = cfg.Log.Level
	return opts
}

func run(ctx context.Context, opts *options, stdout io.Writer) error {
	builder, err := newBuilder(opts)
	if err != nil {
		return err
	}

	cat, stats, err := builder.Build(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Indexed %d instances from %d files\n", stats.Indexed, stats.FilesSeen)

	if err := indexer.WriteSnapshot(opts.out, cat); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s\n", opts.out)

	if opts.splitDir != "" {
		if err := indexer.WriteSplit(opts.splitDir, cat); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Wrote split index to %s\n", opts.splitDir)
	}

	return nil
}

func newBuilder(opts *options) (*indexer.Builder, error) {
	bopts := indexer.Options{
		Workers:          opts.workers,
		Limit:            opts.limit,
		Timeout:          opts.timeout,
		RequireSignature: opts.requireSignature,
		Decoder:          opts.decoder,
	}

	if opts.url == "" {
		if _, err := os.Stat(opts.dir); err != nil {
			return nil, fmt.Errorf("%w: directory not found: %s", indexer.ErrSourceMissing, opts.dir)
		}
		return indexer.ForDirectory(opts.dir, opts.base, bopts)
	}

	adapter, err := adapters.NewHTTPAdapter(models.SourceConfig{
		Type:     models.SourceTypeHTTP,
		Base:     opts.base,
		Endpoint: opts.url,
	})
	if err != nil {
		return nil, err
	}
	return indexer.ForListing(adapter, opts.url, bopts)
}
