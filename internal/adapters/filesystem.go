package adapters

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otcheredev/ris-dicom-indexer/internal/models"
)

// FilesystemAdapter implements SourceAdapter for a local directory tree
type FilesystemAdapter struct {
	BaseAdapter
	root string
}

// NewFilesystemAdapter creates a new filesystem adapter rooted at config.Base
func NewFilesystemAdapter(config models.SourceConfig) (*FilesystemAdapter, error) {
	root, err := filepath.Abs(config.Base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %q: %w", config.Base, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	return &FilesystemAdapter{
		BaseAdapter: BaseAdapter{config: config},
		root:        root,
	}, nil
}

func (f *FilesystemAdapter) Type() models.SourceType {
	return models.SourceTypeFilesystem
}

// Root returns the absolute root directory
func (f *FilesystemAdapter) Root() string {
	return f.root
}

// Fetch reads the file at location, which must lie under the root
func (f *FilesystemAdapter) Fetch(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.contain(location)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// List lists a directory under the root, skipping hidden entries
func (f *FilesystemAdapter) List(ctx context.Context, dir string) (*models.Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.contain(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	listing := &models.Listing{}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		full := filepath.Join(path, entry.Name())
		switch {
		case entry.IsDir():
			listing.Dirs = append(listing.Dirs, full)
		case entry.Type().IsRegular():
			listing.Files = append(listing.Files, full)
		}
	}
	return listing, nil
}

// Close closes the adapter
func (f *FilesystemAdapter) Close() error {
	return nil
}

// contain resolves location and rejects paths outside the root
func (f *FilesystemAdapter) contain(location string) (string, error) {
	path := location
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("location %s is outside root %s", location, f.root)
	}
	return path, nil
}
