package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otcheredev/ris-dicom-indexer/internal/cache"
	"github.com/otcheredev/ris-dicom-indexer/internal/catalog"
	"github.com/otcheredev/ris-dicom-indexer/internal/discovery"
	"github.com/otcheredev/ris-dicom-indexer/internal/header"
	"github.com/otcheredev/ris-dicom-indexer/internal/indexclient"
	"github.com/otcheredev/ris-dicom-indexer/internal/indexer"
	"github.com/otcheredev/ris-dicom-indexer/internal/metrics"
	"github.com/otcheredev/ris-dicom-indexer/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNoCatalog       = errors.New("no index loaded")
	ErrPatientNotFound = errors.New("patient not found")
	ErrBuildInProgress = errors.New("index build already in progress")
	ErrNotConfigured   = errors.New("operation not configured")
	ErrOutOfScope      = errors.New("location outside the index base")
)

// Status messages shown to users.
const (
	MsgNoCache        = `No cache yet. Click "Index" to build one.`
	MsgNoStudies      = "No studies found."
	MsgServerIndex    = "Loaded server index."
	MsgServerManifest = "Loaded server manifest (lazy patients)."
	MsgNoServerIndex  = "No server index. Use Index or local cache."
	MsgCacheCleared   = "Cache cleared."
	MsgBuilding       = "Building index..."
)

// Builder produces a fresh catalog. *indexer.Builder satisfies it.
type Builder interface {
	Build(ctx context.Context) (*catalog.Catalog, indexer.Stats, error)
}

// RunRecorder keeps a history of index builds.
type RunRecorder interface {
	Create(ctx context.Context, run *models.IndexRun) error
	Update(ctx context.Context, run *models.IndexRun) error
}

// Options wires the optional collaborators of a CatalogService. Any of them
// may be nil; operations that need a missing one return ErrNotConfigured.
type Options struct {
	Store   cache.Cache
	Client  *indexclient.Client
	Builder Builder
	Source  string
	Reader  *header.Reader
	Runs    RunRecorder
	TTL     time.Duration // snapshot expiry in Store, zero keeps it

	// Scope bounds the locations Ingest accepts. Nil accepts any.
	Scope *discovery.Scope
}

// CatalogService owns the live catalog of one base scope: it restores and
// persists snapshots, refreshes from an index server, loads patient shards
// lazily, rebuilds from the source and ingests single records.
type CatalogService struct {
	opts Options

	mu      sync.RWMutex
	base    string
	cat     *catalog.Catalog
	state   models.IndexStatus // building or failed override the derived status
	message string

	persistMu sync.Mutex
	building  atomic.Bool
	shards    singleflight.Group

	encMu      sync.Mutex
	encVersion uint64
	encCat     *catalog.Catalog
	encBody    []byte
	encTag     string
}

// NewCatalogService creates a service for base
func NewCatalogService(base string, opts Options) *CatalogService {
	return &CatalogService{
		opts:    opts,
		base:    indexer.NormalizeBase(base),
		message: MsgNoCache,
	}
}

// Base returns the current scope
func (s *CatalogService) Base() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

// Building reports whether a rebuild is running
func (s *CatalogService) Building() bool {
	return s.building.Load()
}

// Catalog returns the live catalog, or nil when none is loaded
func (s *CatalogService) Catalog() *catalog.Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat
}

// Restore loads the persisted snapshot of the remembered base. A missing or
// unreadable cache leaves the service without a catalog.
func (s *CatalogService) Restore(ctx context.Context) bool {
	if s.opts.Store == nil {
		return false
	}

	if b, err := s.opts.Store.Get(ctx, cache.BaseKey); err == nil && len(b) > 0 {
		s.mu.Lock()
		s.base = indexer.NormalizeBase(string(b))
		s.mu.Unlock()
	}

	base := s.Base()
	data, err := s.opts.Store.Get(ctx, cache.SnapshotKey(base))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Str("base", base).Msg("Failed to read cached index")
		}
		s.setMessage(MsgNoCache)
		return false
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("base", base).Msg("Discarding corrupt cached index")
		s.setMessage(MsgNoCache)
		return false
	}

	cat := catalog.FromSnapshot(&snap)
	s.install(cat, indexedMessage(cat))
	log.Info().Str("base", base).Int("patients", cat.Len()).Msg("Restored cached index")
	return true
}

// Refresh asks the index server for the full snapshot, falling back to the
// manifest for lazy per-patient loading. A not-modified answer keeps the
// current catalog without parsing anything.
func (s *CatalogService) Refresh(ctx context.Context) (models.StatusReport, error) {
	if s.opts.Client == nil {
		return s.Status(), fmt.Errorf("refresh: %w", ErrNotConfigured)
	}

	base := s.Base()
	haveCached := s.Catalog() != nil

	res, err := s.opts.Client.FetchSnapshot(ctx, base, haveCached)
	switch {
	case errors.Is(err, indexclient.ErrNotModified):
		s.setMessage(MsgServerIndex)
		return s.Status(), nil
	case err == nil:
		if res.Snapshot.Base != "" {
			s.adoptBase(ctx, res.Snapshot.Base)
		} else {
			res.Snapshot.Base = base
		}
		cat := catalog.FromSnapshot(res.Snapshot)
		s.install(cat, MsgServerIndex)
		s.persist(ctx)
		return s.Status(), nil
	}
	log.Debug().Err(err).Str("base", base).Msg("Full index unavailable, trying manifest")

	manifest, err := s.opts.Client.FetchManifest(ctx, base)
	if err == nil {
		cat := catalog.FromManifest(manifest, base)
		s.install(cat, MsgServerManifest)
		s.persist(ctx)
		return s.Status(), nil
	}

	s.setMessage(MsgNoServerIndex)
	return s.Status(), fmt.Errorf("refresh %s: %w", base, err)
}

// EnsurePatientLoaded upgrades a summary-only patient by fetching its shard.
// Loaded patients return immediately without network access.
func (s *CatalogService) EnsurePatientLoaded(ctx context.Context, patientID string) error {
	cat := s.Catalog()
	if cat == nil {
		return ErrNoCatalog
	}
	loaded, found := cat.PatientLoaded(patientID)
	if !found {
		return fmt.Errorf("%w: %s", ErrPatientNotFound, patientID)
	}
	if loaded {
		return nil
	}
	if s.opts.Client == nil {
		return fmt.Errorf("load patient: %w", ErrNotConfigured)
	}

	_, err, _ := s.shards.Do(patientID, func() (interface{}, error) {
		if loaded, _ := cat.PatientLoaded(patientID); loaded {
			return nil, nil
		}
		shard, err := s.opts.Client.FetchShard(ctx, cat.Base(), patientID)
		if err != nil {
			return nil, err
		}
		cat.ReplacePatientStudies(patientID, shard.Studies)
		return nil, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("patient_id", patientID).Msg("Failed to load patient shard")
		return fmt.Errorf("failed to load patient %s: %w", patientID, err)
	}

	metrics.CatalogInstances.Set(float64(cat.InstanceCount()))
	s.persist(ctx)
	return nil
}

// Rebuild indexes the source from scratch and replaces the live catalog.
func (s *CatalogService) Rebuild(ctx context.Context) (indexer.Stats, error) {
	if s.opts.Builder == nil {
		return indexer.Stats{}, fmt.Errorf("rebuild: %w", ErrNotConfigured)
	}
	if !s.building.CompareAndSwap(false, true) {
		return indexer.Stats{}, ErrBuildInProgress
	}
	defer s.building.Store(false)

	s.mu.Lock()
	s.state = models.IndexStatusBuilding
	s.message = MsgBuilding
	base := s.base
	s.mu.Unlock()

	run := &models.IndexRun{
		Base:      base,
		Source:    s.opts.Source,
		Status:    models.IndexRunRunning,
		CreatedAt: time.Now(),
	}
	s.recordRun(ctx, run, true)

	cat, stats, err := s.opts.Builder.Build(ctx)

	finished := time.Now()
	run.FinishedAt = &finished
	run.FilesSeen = stats.FilesSeen
	run.Indexed = stats.Indexed
	run.Skipped = stats.Skipped()
	run.Patients = stats.Patients
	run.Duration = stats.Duration.Milliseconds()

	if err != nil {
		run.Status = models.IndexRunFailed
		run.ErrorMessage = err.Error()
		s.recordRun(ctx, run, false)

		s.mu.Lock()
		s.state = models.IndexStatusFailed
		s.message = "Index build failed: " + err.Error()
		s.mu.Unlock()
		log.Error().Err(err).Str("base", base).Msg("Index build failed")
		return stats, err
	}

	run.Status = models.IndexRunSucceeded
	s.recordRun(ctx, run, false)

	s.install(cat, indexedMessage(cat))
	s.persist(ctx)
	return stats, nil
}

// Ingest reads a single record and inserts it into the live catalog,
// creating an empty one when none is loaded. It reports whether the
// catalog changed.
func (s *CatalogService) Ingest(ctx context.Context, location string) (bool, error) {
	if s.opts.Reader == nil {
		return false, fmt.Errorf("ingest: %w", ErrNotConfigured)
	}
	if s.opts.Scope != nil {
		normalized, ok := s.opts.Scope.Normalize(location)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrOutOfScope, location)
		}
		location = normalized
	}

	rec, err := s.opts.Reader.Read(ctx, location)
	if err != nil {
		metrics.RecordsRead.WithLabelValues("error").Inc()
		return false, err
	}

	s.mu.Lock()
	if s.cat == nil {
		s.cat = catalog.New(s.base)
	}
	cat := s.cat
	s.mu.Unlock()

	if !cat.Insert(rec) {
		metrics.RecordsRead.WithLabelValues("invalid").Inc()
		return false, nil
	}
	metrics.RecordsRead.WithLabelValues("indexed").Inc()
	metrics.CatalogInstances.Set(float64(cat.InstanceCount()))

	s.setMessage(indexedMessage(cat))
	s.persist(ctx)
	return true, nil
}

// Clear drops the live catalog and its cached snapshot.
func (s *CatalogService) Clear(ctx context.Context) error {
	base := s.Base()

	s.mu.Lock()
	s.cat = nil
	s.state = ""
	s.message = MsgCacheCleared
	s.mu.Unlock()
	metrics.CatalogInstances.Set(0)

	if s.opts.Store == nil {
		return nil
	}
	if err := s.opts.Store.Delete(ctx, cache.SnapshotKey(base)); err != nil {
		return fmt.Errorf("failed to clear cached index: %w", err)
	}
	if err := s.opts.Store.Clear(ctx, cache.ETagPattern); err != nil {
		return fmt.Errorf("failed to clear entity tags: %w", err)
	}
	return nil
}

// Status reports the user-visible state of the index.
func (s *CatalogService) Status() models.StatusReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := models.StatusReport{
		Base:    s.base,
		Message: s.message,
		Status:  s.state,
	}
	if s.cat != nil {
		report.Patients = s.cat.Len()
		report.CreatedAt = s.cat.CreatedAt().UnixMilli()
		report.Version = s.cat.Version()
	}
	if report.Status == "" {
		report.Status = deriveStatus(s.cat)
	}
	return report
}

// EncodedSnapshot returns the JSON snapshot of the live catalog and a strong
// entity tag over its content. The encoding is reused until the catalog
// changes.
func (s *CatalogService) EncodedSnapshot() ([]byte, string, error) {
	cat := s.Catalog()
	if cat == nil {
		return nil, "", ErrNoCatalog
	}

	s.encMu.Lock()
	defer s.encMu.Unlock()

	version := cat.Version()
	if s.encCat == cat && s.encVersion == version && s.encBody != nil {
		return s.encBody, s.encTag, nil
	}

	body, err := json.Marshal(cat.Snapshot())
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	s.encCat, s.encVersion, s.encBody, s.encTag = cat, version, body, ContentTag(body)
	return body, s.encTag, nil
}

// ContentTag returns a strong entity tag for body.
func ContentTag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func (s *CatalogService) install(cat *catalog.Catalog, message string) {
	s.mu.Lock()
	s.cat = cat
	s.base = cat.Base()
	s.state = ""
	s.message = message
	s.mu.Unlock()
	metrics.CatalogInstances.Set(float64(cat.InstanceCount()))
}

func (s *CatalogService) setMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

func (s *CatalogService) adoptBase(ctx context.Context, base string) {
	base = indexer.NormalizeBase(base)
	s.mu.Lock()
	s.base = base
	s.mu.Unlock()

	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.Set(ctx, cache.BaseKey, []byte(base), 0); err != nil {
		log.Warn().Err(err).Str("base", base).Msg("Failed to remember base")
	}
}

// persist writes the current snapshot. Failures are logged and the service
// continues without persistence.
func (s *CatalogService) persist(ctx context.Context) {
	if s.opts.Store == nil {
		return
	}
	cat := s.Catalog()
	if cat == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	data, err := json.Marshal(cat.Snapshot())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode index for cache")
		return
	}
	if err := s.opts.Store.Set(ctx, cache.SnapshotKey(cat.Base()), data, s.opts.TTL); err != nil {
		log.Warn().Err(err).Str("base", cat.Base()).Msg("Failed to persist index")
	}
}

func (s *CatalogService) recordRun(ctx context.Context, run *models.IndexRun, create bool) {
	if s.opts.Runs == nil {
		return
	}
	var err error
	if create {
		err = s.opts.Runs.Create(ctx, run)
	} else {
		err = s.opts.Runs.Update(ctx, run)
	}
	if err != nil {
		log.Warn().Err(err).Str("base", run.Base).Msg("Failed to record index run")
	}
}

func indexedMessage(cat *catalog.Catalog) string {
	if cat.Len() == 0 {
		return MsgNoStudies
	}
	return fmt.Sprintf("Indexed %d patient(s). Cached at %s.", cat.Len(), cat.CreatedAt().Format(time.RFC1123))
}

func deriveStatus(cat *catalog.Catalog) models.IndexStatus {
	switch {
	case cat == nil:
		return models.IndexStatusNone
	case cat.Len() == 0:
		return models.IndexStatusEmpty
	}
	for _, id := range cat.PatientIDs() {
		if loaded, _ := cat.PatientLoaded(id); !loaded {
			return models.IndexStatusPartial
		}
	}
	return models.IndexStatusReady
}
