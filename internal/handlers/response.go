package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/otcheredev/ris-dicom-indexer/internal/indexer"
	"github.com/otcheredev/ris-dicom-indexer/internal/models"
	"github.com/otcheredev/ris-dicom-indexer/internal/services"
	"github.com/rs/zerolog"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps service errors to status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, services.ErrNoCatalog):
		http.Error(w, "Index not built", http.StatusNotFound)
	case errors.Is(err, services.ErrPatientNotFound):
		http.Error(w, "Patient not found", http.StatusNotFound)
	case errors.Is(err, services.ErrBuildInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrOutOfScope):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrNotConfigured):
		http.Error(w, err.Error(), http.StatusNotImplemented)
	case errors.Is(err, indexer.ErrSourceMissing):
		http.Error(w, err.Error(), http.StatusFailedDependency)
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg(msg)
		http.Error(w, msg, http.StatusBadGateway)
	}
}

func sortStudies(studies []studySummary) {
	sort.Slice(studies, func(i, j int) bool {
		if studies[i].StudyDate != studies[j].StudyDate {
			return studies[i].StudyDate < studies[j].StudyDate
		}
		return studies[i].StudyUID < studies[j].StudyUID
	})
}

func nonNil(instances []*models.Instance) []*models.Instance {
	if instances == nil {
		return []*models.Instance{}
	}
	return instances
}
