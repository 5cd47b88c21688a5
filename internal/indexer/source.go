package indexer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/otcheredev/ris-dicom-indexer/internal/adapters"
	"github.com/otcheredev/ris-dicom-indexer/internal/discovery"
	"github.com/otcheredev/ris-dicom-indexer/internal/header"
	"github.com/otcheredev/ris-dicom-indexer/internal/models"
)

// DefaultBase is the scope used when none is given.
const DefaultBase = "/dicoms/"

// NormalizeBase makes base start and end with a slash. Absolute URLs only
// gain the trailing slash.
func NormalizeBase(base string) string {
	if base == "" {
		return DefaultBase
	}
	if u, err := url.Parse(base); err == nil && u.Scheme != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// LocationFor returns the locator for file below root: base followed by the
// relative path with every segment escaped.
func LocationFor(base, root, file string) string {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		rel = filepath.Base(file)
	}
	segments := strings.Split(filepath.ToSlash(rel), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return NormalizeBase(base) + strings.Join(segments, "/")
}

// Options configure the builders created by ForDirectory and ForListing.
type Options struct {
	Workers int
	Limit   int
	// Timeout bounds a single fetch or listing. Zero means none.
	Timeout          time.Duration
	RequireSignature bool
	Decoder          header.Decoder
}

// ForDirectory creates a builder that walks dir and stores locators under base.
func ForDirectory(dir, base string, opts Options) (*Builder, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, dir)
	}

	fs, err := adapters.NewFilesystemAdapter(models.SourceConfig{
		Type: models.SourceTypeFilesystem,
		Base: dir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}

	walker, err := discovery.NewWalker(fs.Root())
	if err != nil {
		return nil, err
	}
	walker.Limit = opts.Limit

	reader := header.NewReader(fs, opts.Decoder)
	reader.RequireSignature = opts.RequireSignature
	reader.Timeout = opts.Timeout

	base = NormalizeBase(base)
	scope, err := discovery.NewScope(base)
	if err != nil {
		return nil, err
	}
	b := NewBuilder(walker, reader, base)
	b.Scope = scope
	b.Workers = opts.Workers
	b.Locate = func(location string) string {
		return LocationFor(base, fs.Root(), location)
	}
	return b, nil
}

// ForListing creates a builder that crawls the hypertext listing at baseURL
// through adapter. Locators are the absolute URLs of the records.
func ForListing(adapter *adapters.HTTPAdapter, baseURL string, opts Options) (*Builder, error) {
	crawler, err := discovery.NewCrawler(adapter, baseURL)
	if err != nil {
		return nil, err
	}
	crawler.Limit = opts.Limit
	crawler.Workers = opts.Workers
	crawler.Timeout = opts.Timeout

	reader := header.NewReader(adapter, opts.Decoder)
	reader.RequireSignature = opts.RequireSignature
	reader.Timeout = opts.Timeout

	b := NewBuilder(crawler, reader, crawler.Base())
	b.Workers = opts.Workers
	b.Scope = crawler.Scope()
	return b, nil
}

// ReaderForDirectory returns a header reader that resolves locators produced
// by LocationFor (base followed by an escaped relative path) below dir.
func ReaderForDirectory(dir, base string, opts Options) (*header.Reader, error) {
	fs, err := adapters.NewFilesystemAdapter(models.SourceConfig{
		Type: models.SourceTypeFilesystem,
		Base: dir,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceMissing, err)
	}
	reader := header.NewReader(&locatorFetcher{fs: fs, base: NormalizeBase(base)}, opts.Decoder)
	reader.RequireSignature = opts.RequireSignature
	return reader, nil
}

type locatorFetcher struct {
	fs   *adapters.FilesystemAdapter
	base string
}

func (l *locatorFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	rel, ok := strings.CutPrefix(location, l.base)
	if !ok {
		return nil, fmt.Errorf("location %s is outside %s", location, l.base)
	}
	rel, err := url.PathUnescape(rel)
	if err != nil {
		return nil, fmt.Errorf("invalid location %s: %w", location, err)
	}
	return l.fs.Fetch(ctx, filepath.FromSlash(rel))
}

// IsSourceMissing reports whether err means the source root is absent.
func IsSourceMissing(err error) bool {
	return errors.Is(err, ErrSourceMissing) || errors.Is(err, discovery.ErrRootMissing)
}
