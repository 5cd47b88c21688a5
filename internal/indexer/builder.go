// Package indexer drives discovery, header reading and catalog insertion to
// produce a durable index.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/otcheredev/ris-dicom-indexer/internal/catalog"
	"github.com/otcheredev/ris-dicom-indexer/internal/discovery"
	"github.com/otcheredev/ris-dicom-indexer/internal/header"
	"github.com/otcheredev/ris-dicom-indexer/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the number of concurrent header reads.
const DefaultWorkers = 8

// ErrSourceMissing is returned when the source root does not exist.
var ErrSourceMissing = errors.New("source not found")

// Locator maps a discovered location to the locator stored in the index.
type Locator func(location string) string

// Stats summarizes a build.
type Stats struct {
	FilesSeen int           `json:"filesSeen"`
	Indexed   int           `json:"count"`
	Invalid   int           `json:"invalid"`
	Failed    int           `json:"failed"`
	Patients  int           `json:"patients"`
	Duration  time.Duration `json:"duration"`
}

// Skipped is the number of files that contributed nothing.
func (s Stats) Skipped() int {
	return s.FilesSeen - s.Indexed
}

// Builder builds a catalog from a discovery source.
type Builder struct {
	source discovery.Source
	reader *header.Reader
	base   string

	// Workers bounds concurrent header reads. Zero means DefaultWorkers.
	Workers int
	// Locate rewrites record locations before insertion. Nil keeps them.
	Locate Locator

	// Scope bounds the locations records may be read from.
	Scope *discovery.Scope
}

// NewBuilder creates a builder producing a catalog scoped to base.
func NewBuilder(source discovery.Source, reader *header.Reader, base string) *Builder {
	return &Builder{
		source: source,
		reader: reader,
		base:   base,
	}
}

// Build discovers every candidate, reads its header and inserts valid records.
// Per-item failures are logged and skipped; only a missing source or a
// cancelled context fails the build.
func (b *Builder) Build(ctx context.Context) (*catalog.Catalog, Stats, error) {
	start := time.Now()
	cat := catalog.New(b.base)

	workers := b.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var seen, indexed, invalid, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	discoverErr := b.source.Discover(gctx, func(location string) error {
		seen.Add(1)
		g.Go(func() error {
			rec, err := b.reader.Read(gctx, location)
			if err != nil {
				failed.Add(1)
				metrics.RecordsRead.WithLabelValues("error").Inc()
				log.Debug().Err(err).Str("location", location).Msg("Skipping unreadable record")
				return nil
			}
			if b.Locate != nil {
				rec.Location = b.Locate(location)
			}
			if !cat.Insert(rec) {
				invalid.Add(1)
				metrics.RecordsRead.WithLabelValues("invalid").Inc()
				return nil
			}
			indexed.Add(1)
			metrics.RecordsRead.WithLabelValues("indexed").Inc()
			return nil
		})
		return nil
	})
	waitErr := g.Wait()

	stats := Stats{
		FilesSeen: int(seen.Load()),
		Indexed:   int(indexed.Load()),
		Invalid:   int(invalid.Load()),
		Failed:    int(failed.Load()),
		Patients:  cat.Len(),
		Duration:  time.Since(start),
	}

	err := discoverErr
	if err == nil {
		err = waitErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		metrics.BuildDuration.WithLabelValues("failed").Observe(stats.Duration.Seconds())
		if errors.Is(err, discovery.ErrRootMissing) {
			return nil, stats, fmt.Errorf("%w: %v", ErrSourceMissing, err)
		}
		return nil, stats, fmt.Errorf("failed to build index: %w", err)
	}

	metrics.BuildDuration.WithLabelValues("succeeded").Observe(stats.Duration.Seconds())
	log.Info().
		Str("base", b.base).
		Int("files", stats.FilesSeen).
		Int("indexed", stats.Indexed).
		Int("skipped", stats.Skipped()).
		Int("patients", stats.Patients).
		Dur("duration", stats.Duration).
		Msg("Index built")

	return cat, stats, nil
}
