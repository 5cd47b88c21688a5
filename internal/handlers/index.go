package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/ris-dicom-indexer/internal/services"
	"github.com/rs/zerolog"
)

// IndexHandler publishes the live catalog in the durable index formats:
// the full snapshot, the manifest and per-patient shards.
type IndexHandler struct {
	catalogService *services.CatalogService
}

func NewIndexHandler(catalogService *services.CatalogService) *IndexHandler {
	return &IndexHandler{
		catalogService: catalogService,
	}
}

// ServePath returns the URL path below which the index of base is published.
func ServePath(base string) string {
	if u, err := url.Parse(base); err == nil && u.Scheme != "" {
		base = u.Path
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// Routes mounts the index documents below base
func (h *IndexHandler) Routes(r chi.Router, base string) {
	prefix := ServePath(base)
	r.Get(prefix+"index.json", h.Snapshot)
	r.Get(prefix+"manifest.json", h.Manifest)
	r.Get(prefix+"patients/{shard}", h.Shard)
}

// Snapshot serves the full snapshot with a strong entity tag
func (h *IndexHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	body, etag, err := h.catalogService.EncodedSnapshot()
	if errors.Is(err, services.ErrNoCatalog) {
		http.Error(w, "Index not built", http.StatusNotFound)
		return
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to encode snapshot")
		http.Error(w, "Failed to encode index", http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// Manifest serves the patient summaries
func (h *IndexHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	cat := h.catalogService.Catalog()
	if cat == nil {
		http.Error(w, "Index not built", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cat.Manifest())
}

// Shard serves the full detail of one patient, loading it first when only
// the summary is known
func (h *IndexHandler) Shard(w http.ResponseWriter, r *http.Request) {
	name, ok := strings.CutSuffix(chi.URLParam(r, "shard"), ".json")
	if !ok {
		http.Error(w, "Shard must be a .json document", http.StatusNotFound)
		return
	}
	patientID, err := url.PathUnescape(name)
	if err != nil {
		http.Error(w, "Invalid patient ID", http.StatusBadRequest)
		return
	}

	if err := h.catalogService.EnsurePatientLoaded(r.Context(), patientID); err != nil {
		writeServiceError(w, r, err, "Failed to load patient")
		return
	}

	// The index may have been cleared since the patient was loaded.
	cat := h.catalogService.Catalog()
	if cat == nil {
		http.Error(w, "Index not built", http.StatusNotFound)
		return
	}
	shard, found := cat.Shard(patientID)
	if !found {
		http.Error(w, "Patient not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, shard)
}

// etagMatches implements the weak comparison used for If-None-Match.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
