// Package handlers exposes the archive over REST: resource browsing,
// ingestion, the change log, remote modalities and peers, and the jobs API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/rs/zerolog/log"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("Cannot write response body")
	}
}

// writeError maps a core error to its HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("Request rejected")
	}
	writeJSON(w, status, map[string]string{"Error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			return value
		}
	}
	return def
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	if raw := r.URL.Query().Get(name); raw != "" {
		if value, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return value
		}
	}
	return def
}
