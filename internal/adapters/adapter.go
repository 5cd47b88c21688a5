package adapters

import (
	"context"

	"github.com/otcheredev/ris-dicom-indexer/internal/models"
)

// SourceAdapter defines the transport every record source must implement
type SourceAdapter interface {
	// Fetch returns the bytes stored at location
	Fetch(ctx context.Context, location string) ([]byte, error)
	// List returns the subdirectories and files of a directory location
	List(ctx context.Context, dir string) (*models.Listing, error)

	// Connection management
	Close() error

	// Adapter info
	Type() models.SourceType
}

// BaseAdapter provides common functionality for all adapters
type BaseAdapter struct {
	config models.SourceConfig
}

func (b *BaseAdapter) Type() models.SourceType {
	return b.config.Type
}

func (b *BaseAdapter) GetConfig() models.SourceConfig {
	return b.config
}
