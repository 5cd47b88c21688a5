package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/ris-dicom-indexer/internal/catalog"
	"github.com/otcheredev/ris-dicom-indexer/internal/header"
	"github.com/otcheredev/ris-dicom-indexer/internal/models"
	"github.com/otcheredev/ris-dicom-indexer/internal/services"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RunLister reads the history of index builds.
type RunLister interface {
	ListByBase(ctx context.Context, base string, limit, offset int) ([]models.IndexRun, error)
}

type ManagementHandler struct {
	catalogService *services.CatalogService
	runs           RunLister
}

func NewManagementHandler(catalogService *services.CatalogService) *ManagementHandler {
	return &ManagementHandler{
		catalogService: catalogService,
	}
}

// WithRuns enables the build history endpoint
func (h *ManagementHandler) WithRuns(runs RunLister) *ManagementHandler {
	h.runs = runs
	return h
}

// Routes mounts the management API
func (h *ManagementHandler) Routes(r chi.Router) {
	r.Get("/status", h.Status)
	r.Get("/patients", h.ListPatients)
	r.Get("/patients/{patientId}", h.GetPatient)
	r.Get("/series/{seriesUID}", h.GetSeries)
	r.Post("/index/rebuild", h.Rebuild)
	r.Post("/index/refresh", h.Refresh)
	r.Get("/index/runs", h.ListRuns)
	r.Delete("/index", h.Clear)
	r.Post("/records", h.Ingest)
}

type patientSummary struct {
	PatientID   string        `json:"patientId"`
	PatientName string        `json:"patientName"`
	Loaded      bool          `json:"loaded"`
	Counts      models.Counts `json:"counts"`
}

type studySummary struct {
	StudyUID  string        `json:"studyUID"`
	StudyDate string        `json:"studyDate"`
	StudyDesc string        `json:"studyDesc"`
	Counts    models.Counts `json:"counts"`
}

type patientDetail struct {
	patientSummary
	Studies []studySummary `json:"studies"`
}

type seriesDetail struct {
	SeriesUID              string             `json:"seriesUID"`
	SeriesDesc             string             `json:"seriesDesc"`
	HaveSameInstanceNumber bool               `json:"haveSameInstanceNumber"`
	Static                 []*models.Instance `json:"static"`
	Cine                   []*models.Instance `json:"cine"`
}

type ingestRequest struct {
	URL string `json:"url"`
}

type ingestResponse struct {
	URL     string `json:"url"`
	Changed bool   `json:"changed"`
	Version uint64 `json:"version"`
}

// Status reports the user-visible index state
func (h *ManagementHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalogService.Status())
}

// ListPatients lists every patient with derived counts
func (h *ManagementHandler) ListPatients(w http.ResponseWriter, r *http.Request) {
	cat := h.catalogService.Catalog()
	if cat == nil {
		writeJSON(w, http.StatusOK, []patientSummary{})
		return
	}

	out := make([]patientSummary, 0, cat.Len())
	for _, id := range cat.PatientIDs() {
		p, ok := cat.FindPatient(id)
		if !ok {
			continue
		}
		out = append(out, patientSummary{
			PatientID:   p.PatientID,
			PatientName: p.PatientName,
			Loaded:      p.Loaded,
			Counts:      catalog.PatientCounts(p),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPatient returns one patient with per-study counts, loading its shard
// when needed
func (h *ManagementHandler) GetPatient(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientId")
	if err := h.catalogService.EnsurePatientLoaded(r.Context(), patientID); err != nil {
		writeServiceError(w, r, err, "Failed to load patient")
		return
	}

	cat := h.catalogService.Catalog()
	if cat == nil {
		http.Error(w, "Index not built", http.StatusNotFound)
		return
	}
	p, ok := cat.FindPatient(patientID)
	if !ok {
		http.Error(w, "Patient not found", http.StatusNotFound)
		return
	}

	detail := patientDetail{
		patientSummary: patientSummary{
			PatientID:   p.PatientID,
			PatientName: p.PatientName,
			Loaded:      p.Loaded,
			Counts:      catalog.PatientCounts(p),
		},
		Studies: make([]studySummary, 0, len(p.Studies)),
	}
	for _, st := range p.Studies {
		detail.Studies = append(detail.Studies, studySummary{
			StudyUID:  st.StudyUID,
			StudyDate: st.StudyDate,
			StudyDesc: st.StudyDesc,
			Counts:    catalog.StudyCounts(st),
		})
	}
	sortStudies(detail.Studies)
	writeJSON(w, http.StatusOK, detail)
}

// GetSeries returns a series split into static and cine instances
func (h *ManagementHandler) GetSeries(w http.ResponseWriter, r *http.Request) {
	cat := h.catalogService.Catalog()
	if cat == nil {
		http.Error(w, "Index not built", http.StatusNotFound)
		return
	}
	se, ok := cat.FindSeries(chi.URLParam(r, "seriesUID"))
	if !ok {
		http.Error(w, "Series not found", http.StatusNotFound)
		return
	}

	static, cine := se.SplitFrames()
	writeJSON(w, http.StatusOK, seriesDetail{
		SeriesUID:              se.SeriesUID,
		SeriesDesc:             se.SeriesDesc,
		HaveSameInstanceNumber: cat.HasSameInstanceNumber(se.SeriesUID),
		Static:                 nonNil(static),
		Cine:                   nonNil(cine),
	})
}

// Rebuild starts an index build. With ?wait=true it blocks and returns the
// build statistics.
func (h *ManagementHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	if h.catalogService.Building() {
		http.Error(w, services.ErrBuildInProgress.Error(), http.StatusConflict)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		stats, err := h.catalogService.Rebuild(r.Context())
		if err != nil {
			writeServiceError(w, r, err, "Index build failed")
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if _, err := h.catalogService.Rebuild(ctx); err != nil && !errors.Is(err, services.ErrBuildInProgress) {
			log.Error().Err(err).Msg("Background index build failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, h.catalogService.Status())
}

// Refresh reloads the index from the configured index server
func (h *ManagementHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	status, err := h.catalogService.Refresh(r.Context())
	if errors.Is(err, services.ErrNotConfigured) {
		http.Error(w, "No index server configured", http.StatusNotImplemented)
		return
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Index refresh failed")
		writeJSON(w, http.StatusBadGateway, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Clear drops the live catalog and its cached snapshot
func (h *ManagementHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.catalogService.Clear(r.Context()); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to clear index")
		http.Error(w, "Failed to clear index", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ingest reads one record and inserts it into the live catalog
func (h *ManagementHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	changed, err := h.catalogService.Ingest(r.Context(), req.URL)
	var readErr *header.ReadError
	if errors.As(err, &readErr) {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("location", req.URL).Msg("Record not ingested")
		http.Error(w, readErr.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		writeServiceError(w, r, err, "Failed to ingest record")
		return
	}

	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	writeJSON(w, status, ingestResponse{
		URL:     req.URL,
		Changed: changed,
		Version: h.catalogService.Status().Version,
	})
}

// ListRuns returns recent index builds of the current base
func (h *ManagementHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		http.Error(w, "Build history is not enabled", http.StatusNotImplemented)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	runs, err := h.runs.ListByBase(r.Context(), h.catalogService.Base(), limit, offset)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to list index runs")
		http.Error(w, "Failed to list index runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.IndexRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}
