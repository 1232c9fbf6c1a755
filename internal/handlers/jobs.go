package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/halcyonmed/dicom-archive/internal/services"
)

// JobsHandler exposes the jobs engine registry.
type JobsHandler struct {
	s *services.ServerContext
}

func NewJobsHandler(s *services.ServerContext) *JobsHandler {
	return &JobsHandler{s: s}
}

func (h *JobsHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.s.Jobs().List())
}

func (h *JobsHandler) get(w http.ResponseWriter, r *http.Request) {
	record, err := h.s.Jobs().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *JobsHandler) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.s.Jobs().Cancel(chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// Mount registers the jobs routes.
func (h *JobsHandler) Mount(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/cancel", h.cancel)
	})
}
