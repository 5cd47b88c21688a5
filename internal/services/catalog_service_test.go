package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/ris-dicom-indexer/internal/adapters"
	"github.com/otcheredev/ris-dicom-indexer/internal/cache"
	"github.com/otcheredev/ris-dicom-indexer/internal/catalog"
	"github.com/otcheredev/ris-dicom-indexer/internal/discovery"
	"github.com/otcheredev/ris-dicom-indexer/internal/header"
	"github.com/otcheredev/ris-dicom-indexer/internal/header/headertest"
	"github.com/otcheredev/ris-dicom-indexer/internal/indexclient"
	"github.com/otcheredev/ris-dicom-indexer/internal/indexer"
	"github.com/otcheredev/ris-dicom-indexer/internal/models"
)

type fakeBuilder struct {
	cat *catalog.Catalog
	err error
}

func (f *fakeBuilder) Build(ctx context.Context) (*catalog.Catalog, indexer.Stats, error) {
	if f.err != nil {
		return nil, indexer.Stats{FilesSeen: 1}, f.err
	}
	return f.cat, indexer.Stats{FilesSeen: 2, Indexed: 2, Patients: f.cat.Len()}, nil
}

type fakeRuns struct {
	mu   sync.Mutex
	runs []models.IndexRun
}

func (f *fakeRuns) Create(ctx context.Context, run *models.IndexRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *run)
	return nil
}

func (f *fakeRuns) Update(ctx context.Context, run *models.IndexRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *run)
	return nil
}

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	b, ok := m[location]
	if !ok {
		return nil, errors.New("not found")
	}
	return b, nil
}

func sampleCatalog() *catalog.Catalog {
	c := catalog.New("/dicoms/")
	c.Insert(&models.MetadataRecord{Location: "/dicoms/a", PatientID: "P1", PatientName: "One", StudyUID: "S1", SeriesUID: "R1", SOPUID: "I1", InstanceNumber: 1})
	c.Insert(&models.MetadataRecord{Location: "/dicoms/b", PatientID: "P2", PatientName: "Two", StudyUID: "S2", SeriesUID: "R2", SOPUID: "I2", InstanceNumber: 1})
	return c
}

func newStore(t *testing.T) *cache.MemoryCache {
	store := cache.NewMemoryCache()
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRestoreWithoutCache(t *testing.T) {
	svc := NewCatalogService("dicoms", Options{Store: newStore(t)})

	assert.False(t, svc.Restore(context.Background()))
	status := svc.Status()
	assert.Equal(t, models.IndexStatusNone, status.Status)
	assert.Equal(t, MsgNoCache, status.Message)
	assert.Equal(t, "/dicoms/", status.Base)
	assert.Nil(t, svc.Catalog())
}

func TestRebuildPersistsAndRestores(t *testing.T) {
	store := newStore(t)
	runs := &fakeRuns{}
	svc := NewCatalogService("/dicoms/", Options{
		Store:   store,
		Builder: &fakeBuilder{cat: sampleCatalog()},
		Source:  "./dicoms",
		Runs:    runs,
	})

	stats, err := svc.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Indexed)

	status := svc.Status()
	assert.Equal(t, models.IndexStatusReady, status.Status)
	assert.Equal(t, 2, status.Patients)
	assert.True(t, strings.HasPrefix(status.Message, "Indexed 2 patient(s)."), status.Message)

	require.Len(t, runs.runs, 2)
	assert.Equal(t, models.IndexRunRunning, runs.runs[0].Status)
	assert.Equal(t, models.IndexRunSucceeded, runs.runs[1].Status)
	assert.Equal(t, "./dicoms", runs.runs[1].Source)

	restored := NewCatalogService("/dicoms/", Options{Store: store})
	require.True(t, restored.Restore(context.Background()))
	assert.Equal(t, []string{"P1", "P2"}, restored.Catalog().PatientIDs())
}

func TestRebuildFailureKeepsCatalog(t *testing.T) {
	builder := &fakeBuilder{cat: sampleCatalog()}
	svc := NewCatalogService("/dicoms/", Options{Builder: builder})

	_, err := svc.Rebuild(context.Background())
	require.NoError(t, err)

	builder.err = indexer.ErrSourceMissing
	_, err = svc.Rebuild(context.Background())
	require.ErrorIs(t, err, indexer.ErrSourceMissing)

	status := svc.Status()
	assert.Equal(t, models.IndexStatusFailed, status.Status)
	assert.True(t, strings.HasPrefix(status.Message, "Index build failed:"), status.Message)
	assert.Equal(t, 2, status.Patients)
}

func TestRebuildNotConfigured(t *testing.T) {
	svc := NewCatalogService("/dicoms/", Options{})
	_, err := svc.Rebuild(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestEmptyIndexStatus(t *testing.T) {
	svc := NewCatalogService("/dicoms/", Options{Builder: &fakeBuilder{cat: catalog.New("/dicoms/")}})
	_, err := svc.Rebuild(context.Background())
	require.NoError(t, err)

	status := svc.Status()
	assert.Equal(t, models.IndexStatusEmpty, status.Status)
	assert.Equal(t, MsgNoStudies, status.Message)
}

// indexServer serves a full snapshot with an entity tag, honouring
// If-None-Match, and counts requests per path.
type indexServer struct {
	mu       sync.Mutex
	hits     map[string]int
	full     bool
	snapshot []byte
}

func (s *indexServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *indexServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/dicoms/index.json" && s.full:
		tag := ContentTag(s.snapshot)
		if r.Header.Get("If-None-Match") == tag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", tag)
		w.Write(s.snapshot)
	case r.URL.Path == "/dicoms/manifest.json":
		json.NewEncoder(w).Encode(sampleCatalog().Manifest())
	case strings.HasPrefix(r.URL.Path, "/dicoms/patients/"):
		pid := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/dicoms/patients/"), ".json")
		shard, ok := sampleCatalog().Shard(pid)
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(shard)
	default:
		http.NotFound(w, r)
	}
}

func newIndexServer(t *testing.T, full bool) (*indexServer, *indexclient.Client, *cache.MemoryCache) {
	snap, err := json.Marshal(sampleCatalog().Snapshot())
	require.NoError(t, err)

	is := &indexServer{hits: make(map[string]int), full: full, snapshot: snap}
	srv := httptest.NewServer(is)
	t.Cleanup(srv.Close)

	store := newStore(t)
	client, err := indexclient.New(srv.URL, store)
	require.NoError(t, err)
	return is, client, store
}

func TestRefreshNotModifiedKeepsCatalog(t *testing.T) {
	is, client, store := newIndexServer(t, true)
	svc := NewCatalogService("/dicoms/", Options{Store: store, Client: client})
	ctx := context.Background()

	status, err := svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgServerIndex, status.Message)
	assert.Equal(t, models.IndexStatusReady, status.Status)
	first := svc.Catalog()
	require.NotNil(t, first)

	status, err = svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgServerIndex, status.Message)
	assert.Same(t, first, svc.Catalog())
	assert.Equal(t, 2, is.count("/dicoms/index.json"))

	ok, err := store.Exists(ctx, cache.SnapshotKey("/dicoms/"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRefreshManifestThenLazyPatient(t *testing.T) {
	is, client, store := newIndexServer(t, false)
	svc := NewCatalogService("/dicoms/", Options{Store: store, Client: client})
	ctx := context.Background()

	status, err := svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgServerManifest, status.Message)
	assert.Equal(t, models.IndexStatusPartial, status.Status)
	assert.Equal(t, 2, status.Patients)

	require.NoError(t, svc.EnsurePatientLoaded(ctx, "P1"))
	assert.Equal(t, 1, is.count("/dicoms/patients/P1.json"))

	loaded, found := svc.Catalog().PatientLoaded("P1")
	assert.True(t, found)
	assert.True(t, loaded)
	_, ok := svc.Catalog().FindSop("I1")
	assert.True(t, ok)

	require.NoError(t, svc.EnsurePatientLoaded(ctx, "P1"))
	assert.Equal(t, 1, is.count("/dicoms/patients/P1.json"))

	loaded, _ = svc.Catalog().PatientLoaded("P2")
	assert.False(t, loaded)

	err = svc.EnsurePatientLoaded(ctx, "P9")
	assert.ErrorIs(t, err, ErrPatientNotFound)

	// The upgraded patient was persisted.
	restored := NewCatalogService("/dicoms/", Options{Store: store})
	require.True(t, restored.Restore(ctx))
	loaded, _ = restored.Catalog().PatientLoaded("P1")
	assert.True(t, loaded)
	loaded, _ = restored.Catalog().PatientLoaded("P2")
	assert.False(t, loaded)
}

func TestRefreshUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	client, err := indexclient.New(srv.URL, nil)
	require.NoError(t, err)

	svc := NewCatalogService("/dicoms/", Options{Client: client})
	status, err := svc.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, indexclient.ErrIndexUnavailable)
	assert.Equal(t, MsgNoServerIndex, status.Message)
	assert.Equal(t, models.IndexStatusNone, status.Status)
}

func TestIngestAndClear(t *testing.T) {
	store := newStore(t)
	reader := header.NewReader(mapFetcher{
		"/dicoms/x": headertest.Encode(headertest.Instance("P1", "S1", "R1", "I1", 1)),
		"/dicoms/y": headertest.Encode(headertest.Record{header.FieldPatientID: "P1"}),
	}, headertest.Decoder{})
	svc := NewCatalogService("/dicoms/", Options{Store: store, Reader: reader})
	ctx := context.Background()

	changed, err := svc.Ingest(ctx, "/dicoms/x")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = svc.Ingest(ctx, "/dicoms/x")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = svc.Ingest(ctx, "/dicoms/y")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = svc.Ingest(ctx, "/dicoms/missing")
	var readErr *header.ReadError
	assert.ErrorAs(t, err, &readErr)

	assert.Equal(t, 1, svc.Status().Patients)

	require.NoError(t, store.Set(ctx, cache.ETagKey("http://origin.test/dicoms/index.json"), []byte(`"v1"`), 0))
	require.NoError(t, store.Set(ctx, cache.BaseKey, []byte("/dicoms/"), 0))
	require.NoError(t, svc.Clear(ctx))
	assert.Nil(t, svc.Catalog())
	assert.Equal(t, MsgCacheCleared, svc.Status().Message)
	_, err = store.Get(ctx, cache.SnapshotKey("/dicoms/"))
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
	ok, err := store.Exists(ctx, cache.ETagKey("http://origin.test/dicoms/index.json"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.Exists(ctx, cache.BaseKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEncodedSnapshotTagTracksVersion(t *testing.T) {
	svc := NewCatalogService("/dicoms/", Options{Builder: &fakeBuilder{cat: sampleCatalog()}})
	_, _, err := svc.EncodedSnapshot()
	assert.ErrorIs(t, err, ErrNoCatalog)

	_, err = svc.Rebuild(context.Background())
	require.NoError(t, err)

	body, tag, err := svc.EncodedSnapshot()
	require.NoError(t, err)
	assert.Equal(t, ContentTag(body), tag)

	_, again, err := svc.EncodedSnapshot()
	require.NoError(t, err)
	assert.Equal(t, tag, again)

	svc.Catalog().Insert(&models.MetadataRecord{PatientID: "P3", StudyUID: "S3", SeriesUID: "R3", SOPUID: "I3"})
	_, changed, err := svc.EncodedSnapshot()
	require.NoError(t, err)
	assert.NotEqual(t, tag, changed)
}

func TestConcurrentRebuildRejected(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	svc := NewCatalogService("/dicoms/", Options{Builder: builderFunc(func(ctx context.Context) (*catalog.Catalog, indexer.Stats, error) {
		close(started)
		<-block
		return sampleCatalog(), indexer.Stats{}, nil
	})})

	var wg sync.WaitGroup
	var firstErr atomic.Value
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.Rebuild(context.Background())
		if err != nil {
			firstErr.Store(err)
		}
	}()

	<-started
	assert.Equal(t, models.IndexStatusBuilding, svc.Status().Status)
	_, err := svc.Rebuild(context.Background())
	assert.ErrorIs(t, err, ErrBuildInProgress)

	close(block)
	wg.Wait()
	assert.Nil(t, firstErr.Load())
	assert.Equal(t, models.IndexStatusReady, svc.Status().Status)
}

type builderFunc func(ctx context.Context) (*catalog.Catalog, indexer.Stats, error)

func (f builderFunc) Build(ctx context.Context) (*catalog.Catalog, indexer.Stats, error) {
	return f(ctx)
}

func TestIngestStaysInsideScope(t *testing.T) {
	var foreignHits atomic.Int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		foreignHits.Add(1)
		w.Write(headertest.Encode(headertest.Instance("PX", "SX", "RX", "IX", 1)))
	}))
	defer foreign.Close()

	var sourceAuth string
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dicoms/a.dcm" {
			http.NotFound(w, r)
			return
		}
		sourceAuth = r.Header.Get("Authorization")
		w.Write(headertest.Encode(headertest.Instance("P1", "S1", "R1", "I1", 1)))
	}))
	defer source.Close()

	adapter, err := adapters.NewHTTPAdapter(models.SourceConfig{Type: models.SourceTypeHTTP, Endpoint: source.URL, APIKey: "secret-token"})
	require.NoError(t, err)
	scope, err := discovery.NewScope(source.URL + "/dicoms/")
	require.NoError(t, err)

	svc := NewCatalogService(scope.Base(), Options{
		Reader: header.NewReader(adapter, headertest.Decoder{}),
		Scope:  scope,
	})
	ctx := context.Background()

	for _, loc := range []string{foreign.URL + "/outside/scope", foreign.URL + "/dicoms/a.dcm", "/dicoms/../a.dcm"} {
		changed, err := svc.Ingest(ctx, loc)
		assert.ErrorIs(t, err, ErrOutOfScope, loc)
		assert.False(t, changed)
	}
	assert.Equal(t, int32(0), foreignHits.Load())
	assert.Nil(t, svc.Catalog())

	changed, err := svc.Ingest(ctx, "/dicoms/a.dcm")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "Bearer secret-token", sourceAuth)

	inst, ok := svc.Catalog().FindSop("I1")
	require.True(t, ok)
	assert.Equal(t, source.URL+"/dicoms/a.dcm", inst.URL)
}
