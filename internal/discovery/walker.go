package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/otcheredev/ris-dicom-indexer/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Walker recursively enumerates regular files under a root directory.
// Hidden entries are skipped; no extension filtering is applied.
type Walker struct {
	root string

	// Limit caps the number of yielded files. Zero means no cap.
	Limit int
}

// NewWalker creates a walker rooted at root
func NewWalker(root string) (*Walker, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %q: %w", root, err)
	}
	return &Walker{root: abs}, nil
}

// Root returns the absolute walk root.
func (w *Walker) Root() string {
	return w.root
}

// Discover implements Source. Symbolic links are not followed, so the walk
// never leaves the root.
func (w *Walker) Discover(ctx context.Context, fn func(location string) error) error {
	info, err := os.Stat(w.root)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrRootMissing, w.root)
	}

	yielded := 0
	errLimit := errors.New("limit reached")

	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == w.root {
				return err
			}
			metrics.DirectoriesListed.WithLabelValues("error").Inc()
			log.Warn().Err(&ListError{Location: path, Err: err}).Str("location", path).Msg("Skipping path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path != w.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			metrics.DirectoriesListed.WithLabelValues("ok").Inc()
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		if w.Limit > 0 && yielded >= w.Limit {
			return errLimit
		}
		yielded++
		metrics.FilesDiscovered.Inc()
		return fn(path)
	})
	if errors.Is(err, errLimit) {
		log.Warn().Int("limit", w.Limit).Str("root", w.root).Msg("Discovery limit reached")
		return nil
	}
	return err
}
