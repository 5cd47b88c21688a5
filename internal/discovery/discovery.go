// Package discovery enumerates candidate record locations under a base scope.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/otcheredev/ris-dicom-indexer/internal/models"
)

// DefaultLimit caps the number of files yielded by an unattended run.
const DefaultLimit = 100000

// RecordExtensions are the file suffixes accepted by the crawler.
var RecordExtensions = []string{".dcm", ".mht"}

// Source yields candidate record locations. fn is called once per location,
// never concurrently; a non-nil error from fn stops discovery and is returned.
type Source interface {
	Discover(ctx context.Context, fn func(location string) error) error
}

// Lister lists a directory location.
type Lister interface {
	List(ctx context.Context, dir string) (*models.Listing, error)
}

// ListError reports a directory that could not be listed. Its subtree is skipped.
type ListError struct {
	Location string
	Err      error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("list %s: %v", e.Location, e.Err)
}

func (e *ListError) Unwrap() error {
	return e.Err
}

// ErrRootMissing is returned when the walk root does not exist.
var ErrRootMissing = errors.New("source root not found")

// Includable reports whether a file name looks like a record: a known
// record extension, or no extension at all.
func Includable(name string) bool {
	base := strings.ToLower(path.Base(name))
	ext := path.Ext(base)
	if ext == "" {
		return true
	}
	for _, e := range RecordExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
