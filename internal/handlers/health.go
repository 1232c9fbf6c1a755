package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonmed/dicom-archive/internal/storage"
	"gorm.io/gorm"
)

// HealthHandler probes the two stores the archive cannot run without: the
// index database and the blob storage area.
type HealthHandler struct {
	db   *gorm.DB
	area storage.Area
}

func NewHealthHandler(db *gorm.DB, area storage.Area) *HealthHandler {
	return &HealthHandler{db: db, area: area}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]string),
	}

	mark := func(service string, healthy bool) {
		if healthy {
			response.Services[service] = "healthy"
			return
		}
		response.Services[service] = "unhealthy"
		response.Status = "degraded"
	}
	mark("database", h.pingDatabase())
	mark("storage", h.probeStorage())

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.pingDatabase() || !h.probeStorage() {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *HealthHandler) pingDatabase() bool {
	sqlDB, err := h.db.DB()
	return err == nil && sqlDB.Ping() == nil
}

// probeStorage writes and removes a throwaway blob to prove the area is
// still writable.
func (h *HealthHandler) probeStorage() bool {
	probe := uuid.NewString()
	if err := h.area.Create(probe, []byte("probe")); err != nil {
		return false
	}
	return h.area.Remove(probe) == nil
}
