package indexer

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/otcheredev/ris-dicom-indexer/internal/catalog"
	"github.com/rs/zerolog/log"
)

// Split output layout below the split directory.
const (
	ManifestFile = "manifest.json"
	PatientsDir  = "patients"
)

// ShardName returns the file name of a patient shard.
func ShardName(patientID string) string {
	return url.PathEscape(patientID) + ".json"
}

// WriteSnapshot writes the full snapshot of c to path.
func WriteSnapshot(path string, c *catalog.Catalog) error {
	if err := writeJSON(path, c.Snapshot()); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	log.Info().Str("path", path).Int("patients", c.Len()).Msg("Wrote index")
	return nil
}

// WriteSplit writes the manifest and one shard per patient below dir.
func WriteSplit(dir string, c *catalog.Catalog) error {
	if err := os.MkdirAll(filepath.Join(dir, PatientsDir), 0o755); err != nil {
		return fmt.Errorf("failed to create split directory: %w", err)
	}

	if err := writeJSON(filepath.Join(dir, ManifestFile), c.Manifest()); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	for _, pid := range c.PatientIDs() {
		shard, ok := c.Shard(pid)
		if !ok {
			continue
		}
		if err := writeJSON(filepath.Join(dir, PatientsDir, ShardName(pid)), shard); err != nil {
			return fmt.Errorf("failed to write shard for patient %s: %w", pid, err)
		}
	}

	log.Info().Str("dir", dir).Int("shards", c.Len()).Msg("Wrote split index")
	return nil
}

// writeJSON replaces path atomically so readers never see a partial file.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
