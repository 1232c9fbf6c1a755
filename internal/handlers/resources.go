package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/halcyonmed/dicom-archive/internal/services"
)

// ResourceHandler serves the resource hierarchy and the ingestion endpoint.
type ResourceHandler struct {
	s *services.ServerContext
}

func NewResourceHandler(s *services.ServerContext) *ResourceHandler {
	return &ResourceHandler{s: s}
}

// maxUploadSize bounds a single uploaded DICOM file.
const maxUploadSize = 1 << 30

// StoreInstance ingests one DICOM file posted as the request body.
func (h *ResourceHandler) StoreInstance(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize))
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	result, err := h.s.Store(r.Context(), content, services.Origin{Source: "rest"})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if result.Status == services.StoreFilteredOut {
		writeJSON(w, http.StatusOK, map[string]string{"Status": "FilteredOut"})
		return
	}

	status := "Success"
	if result.Status == services.StoreAlreadyStored {
		status = "AlreadyStored"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ID":            result.InstanceID,
		"ParentSeries":  result.SeriesID,
		"ParentStudy":   result.StudyID,
		"ParentPatient": result.PatientID,
		"Status":        status,
	})
}

func (h *ResourceHandler) list(kind models.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := queryInt64(r, "since", 0)
		limit := queryInt(r, "limit", 0)
		ids, err := h.s.ListResources(kind, since, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ids)
	}
}

func (h *ResourceHandler) get(kind models.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := h.s.ExpandResource(r.Context(), chi.URLParam(r, "id"), kind)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (h *ResourceHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.s.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// GetInstanceFile downloads the stored DICOM file of an instance.
func (h *ResourceHandler) GetInstanceFile(w http.ResponseWriter, r *http.Request) {
	content, err := h.s.ReadInstanceFile(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/dicom")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// GetInstanceTags renders the full dataset of an instance.
func (h *ResourceHandler) GetInstanceTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.s.GetInstanceTags(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

// GetProtection reports the recycling protection of a patient as 0 or 1.
func (h *ResourceHandler) GetProtection(w http.ResponseWriter, r *http.Request) {
	protected, err := h.s.IsPatientProtected(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	value := 0
	if protected {
		value = 1
	}
	writeJSON(w, http.StatusOK, value)
}

// SetProtection toggles the recycling protection of a patient. The body is
// "0" or "1", mirroring GetProtection.
func (h *ResourceHandler) SetProtection(w http.ResponseWriter, r *http.Request) {
	var value int
	if !decodeJSON(w, r, &value) {
		return
	}
	if err := h.s.SetPatientProtection(chi.URLParam(r, "id"), value != 0); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// GetChanges pages over the change log.
func (h *ResourceHandler) GetChanges(w http.ResponseWriter, r *http.Request) {
	since := queryInt64(r, "since", 0)
	limit := queryInt(r, "limit", 100)
	page, err := h.s.GetChanges(since, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetStatistics returns the occupancy counters.
func (h *ResourceHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.s.GetStatistics(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Mount registers the resource routes.
func (h *ResourceHandler) Mount(r chi.Router) {
	r.Post("/instances", h.StoreInstance)

	levels := []struct {
		path string
		kind models.ResourceKind
	}{
		{"patients", models.KindPatient},
		{"studies", models.KindStudy},
		{"series", models.KindSeries},
		{"instances", models.KindInstance},
	}
	for _, level := range levels {
		r.Get("/"+level.path, h.list(level.kind))
		r.Get("/"+level.path+"/{id}", h.get(level.kind))
		r.Delete("/"+level.path+"/{id}", h.delete)
	}

	r.Get("/instances/{id}/file", h.GetInstanceFile)
	r.Get("/instances/{id}/tags", h.GetInstanceTags)
	r.Get("/patients/{id}/protected", h.GetProtection)
	r.Put("/patients/{id}/protected", h.SetProtection)

	r.Get("/changes", h.GetChanges)
	r.Get("/statistics", h.GetStatistics)
}
