package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/otcheredev/ris-dicom-indexer/internal/database"
	"github.com/otcheredev/ris-dicom-indexer/internal/models"
	"github.com/otcheredev/ris-dicom-indexer/internal/services"
)

type HealthHandler struct {
	catalogService  *services.CatalogService
	databaseEnabled bool
}

func NewHealthHandler(catalogService *services.CatalogService, databaseEnabled bool) *HealthHandler {
	return &HealthHandler{
		catalogService:  catalogService,
		databaseEnabled: databaseEnabled,
	}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if h.databaseEnabled {
		if database.Ping() {
			response.Services["database"] = "healthy"
		} else {
			response.Services["database"] = "unhealthy"
			response.Status = "degraded"
		}
	}

	response.Services["index"] = string(h.catalogService.Status().Status)

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// Ready reports whether an index is loaded and can be served
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.databaseEnabled && !database.Ping() {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}
	switch h.catalogService.Status().Status {
	case models.IndexStatusNone, models.IndexStatusBuilding:
		if h.catalogService.Catalog() == nil {
			http.Error(w, "Index not loaded", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
