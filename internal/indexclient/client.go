// Package indexclient fetches index snapshots, manifests and patient shards
// published by an index server, with entity-tag based conditional refresh.
package indexclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/otcheredev/ris-dicom-indexer/internal/cache"
	"github.com/otcheredev/ris-dicom-indexer/internal/indexer"
	"github.com/otcheredev/ris-dicom-indexer/internal/metrics"
	"github.com/otcheredev/ris-dicom-indexer/internal/models"
	"github.com/rs/zerolog/log"
)

// Well-known fallback locations used when nothing is published below base.
const (
	FallbackSnapshotPath = "/dicoms.index.json"
	FallbackSplitPath    = "/dicoms.index/"
)

// MaxIndexSize bounds a single index document.
const MaxIndexSize = 256 << 20

var (
	// ErrNotModified means the server confirmed the cached snapshot is current.
	ErrNotModified = errors.New("index not modified")
	// ErrUnexpectedContentType means a candidate answered with something other than JSON.
	ErrUnexpectedContentType = errors.New("unexpected content type")
	// ErrIndexUnavailable means no candidate location produced a usable document.
	ErrIndexUnavailable = errors.New("index unavailable")
)

// SnapshotResult is a freshly fetched snapshot.
type SnapshotResult struct {
	Snapshot *models.Snapshot
	URL      string
	ETag     string
}

// Client talks to an index server. Entity tags are remembered in etags,
// which may be nil.
type Client struct {
	http   *http.Client
	origin *url.URL
	etags  cache.Cache

	// Timeout bounds each Fetch call across all candidates.
	Timeout time.Duration
}

// New creates a client for the server at origin
func New(origin string, etags cache.Cache) (*Client, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute URL", origin)
	}

	return &Client{
		http:    &http.Client{},
		origin:  u,
		etags:   etags,
		Timeout: 5 * time.Second,
	}, nil
}

// SnapshotCandidates returns the snapshot locations tried, in order.
func (c *Client) SnapshotCandidates(base string) []string {
	return c.resolve(indexer.NormalizeBase(base)+"index.json", FallbackSnapshotPath)
}

// ManifestCandidates returns the manifest locations tried, in order.
func (c *Client) ManifestCandidates(base string) []string {
	return c.resolve(indexer.NormalizeBase(base)+indexer.ManifestFile, FallbackSplitPath+indexer.ManifestFile)
}

// ShardCandidates returns the shard locations tried for a patient, in order.
func (c *Client) ShardCandidates(base, patientID string) []string {
	name := indexer.PatientsDir + "/" + indexer.ShardName(patientID)
	return c.resolve(indexer.NormalizeBase(base)+name, FallbackSplitPath+name)
}

// FetchSnapshot retrieves the full snapshot for base. When haveCached is set
// the remembered entity tag is sent and a not-modified answer returns
// ErrNotModified; otherwise such an answer moves on to the next candidate.
func (c *Client) FetchSnapshot(ctx context.Context, base string, haveCached bool) (*SnapshotResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var lastErr error
	for _, u := range c.SnapshotCandidates(base) {
		etag := ""
		if haveCached {
			etag = c.etag(ctx, u)
		}

		var snap models.Snapshot
		respTag, err := c.getJSON(ctx, u, etag, &snap)
		if errors.Is(err, ErrNotModified) {
			if haveCached {
				metrics.Refreshes.WithLabelValues("not_modified").Inc()
				log.Debug().Str("url", u).Msg("Server index not modified")
				return nil, fmt.Errorf("%s: %w", u, ErrNotModified)
			}
			continue
		}
		if err != nil {
			lastErr = err
			c.recordFailure(u, err)
			continue
		}
		if snap.Patients == nil {
			lastErr = fmt.Errorf("%s: document has no patients", u)
			continue
		}

		if respTag != "" {
			c.rememberETag(ctx, u, respTag)
		}
		metrics.Refreshes.WithLabelValues("fetched").Inc()
		return &SnapshotResult{Snapshot: &snap, URL: u, ETag: respTag}, nil
	}

	metrics.Refreshes.WithLabelValues("unavailable").Inc()
	return nil, unavailable(lastErr)
}

// FetchManifest retrieves the patient-summary manifest for base.
func (c *Client) FetchManifest(ctx context.Context, base string) (*models.Manifest, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var lastErr error
	for _, u := range c.ManifestCandidates(base) {
		var m models.Manifest
		if _, err := c.getJSON(ctx, u, "", &m); err != nil {
			lastErr = err
			c.recordFailure(u, err)
			continue
		}
		if m.Patients == nil {
			lastErr = fmt.Errorf("%s: document has no patients", u)
			continue
		}
		return &m, nil
	}
	return nil, unavailable(lastErr)
}

// FetchShard retrieves the full detail of one patient.
func (c *Client) FetchShard(ctx context.Context, base, patientID string) (*models.Shard, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var lastErr error
	for _, u := range c.ShardCandidates(base, patientID) {
		var s models.Shard
		if _, err := c.getJSON(ctx, u, "", &s); err != nil {
			lastErr = err
			continue
		}
		if s.PatientID == "" {
			lastErr = fmt.Errorf("%s: shard has no patientId", u)
			continue
		}
		if s.Studies == nil {
			s.Studies = make(map[string]*models.Study)
		}
		metrics.ShardLoads.WithLabelValues("loaded").Inc()
		return &s, nil
	}
	metrics.ShardLoads.WithLabelValues("unavailable").Inc()
	return nil, unavailable(lastErr)
}

// getJSON performs a GET and decodes a JSON body into v. It returns the
// response entity tag.
func (c *Client) getJSON(ctx context.Context, u, etag string, v any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return "", ErrNotModified
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: unexpected status %d", u, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !isJSON(ct) {
		return "", fmt.Errorf("%s: %w %q", u, ErrUnexpectedContentType, ct)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxIndexSize)).Decode(v); err != nil {
		return "", fmt.Errorf("%s: failed to decode: %w", u, err)
	}
	return resp.Header.Get("ETag"), nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

func (c *Client) resolve(paths ...string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		ref, err := url.Parse(p)
		if err != nil {
			continue
		}
		out = append(out, c.origin.ResolveReference(ref).String())
	}
	return out
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) etag(ctx context.Context, u string) string {
	if c.etags == nil {
		return ""
	}
	b, err := c.etags.Get(ctx, cache.ETagKey(u))
	if err != nil {
		return ""
	}
	return string(b)
}

func (c *Client) rememberETag(ctx context.Context, u, etag string) {
	if c.etags == nil {
		return
	}
	if err := c.etags.Set(ctx, cache.ETagKey(u), []byte(etag), 0); err != nil {
		log.Warn().Err(err).Str("url", u).Msg("Failed to store entity tag")
	}
}

func (c *Client) recordFailure(u string, err error) {
	if errors.Is(err, ErrUnexpectedContentType) {
		metrics.Refreshes.WithLabelValues("bad_content_type").Inc()
	}
	log.Debug().Err(err).Str("url", u).Msg("Index candidate failed")
}

func unavailable(lastErr error) error {
	if lastErr == nil {
		return ErrIndexUnavailable
	}
	return fmt.Errorf("%w: %w", ErrIndexUnavailable, lastErr)
}
