package adapters

import (
	"fmt"
	"sync"

	"github.com/otcheredev/ris-dicom-indexer/internal/models"
)

// AdapterFactory manages source adapter instances
type AdapterFactory struct {
	mu       sync.RWMutex
	adapters map[string]SourceAdapter // keyed by type and base
}

// NewAdapterFactory creates a new adapter factory
func NewAdapterFactory() *AdapterFactory {
	return &AdapterFactory{
		adapters: make(map[string]SourceAdapter),
	}
}

func factoryKey(config models.SourceConfig) string {
	return string(config.Type) + "|" + config.Endpoint + "|" + config.Base
}

// GetAdapter gets or creates an adapter for a source
func (f *AdapterFactory) GetAdapter(config models.SourceConfig) (SourceAdapter, error) {
	key := factoryKey(config)

	f.mu.RLock()
	adapter, exists := f.adapters[key]
	f.mu.RUnlock()

	if exists {
		return adapter, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock
	if adapter, exists := f.adapters[key]; exists {
		return adapter, nil
	}

	var err error
	switch config.Type {
	case models.SourceTypeHTTP:
		adapter, err = NewHTTPAdapter(config)
	case models.SourceTypeFilesystem:
		adapter, err = NewFilesystemAdapter(config)
	default:
		return nil, fmt.Errorf("unsupported source type: %s", config.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create adapter: %w", err)
	}

	f.adapters[key] = adapter
	return adapter, nil
}

// CloseAll closes all adapters
func (f *AdapterFactory) CloseAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errors []error
	for key, adapter := range f.adapters {
		if err := adapter.Close(); err != nil {
			errors = append(errors, fmt.Errorf("failed to close adapter %s: %w", key, err))
		}
		delete(f.adapters, key)
	}

	if len(errors) > 0 {
		return fmt.Errorf("encountered %d errors while closing adapters", len(errors))
	}

	return nil
}
