package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/halcyonmed/dicom-archive/internal/jobs"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/halcyonmed/dicom-archive/internal/services"
)

// RemoteHandler manages the registered modalities and peers and the DICOM
// client operations against them.
type RemoteHandler struct {
	s *services.ServerContext
}

func NewRemoteHandler(s *services.ServerContext) *RemoteHandler {
	return &RemoteHandler{s: s}
}

// jobEnvelope is the common shape of the submission endpoints. The last
// three fields only apply to modality stores.
type jobEnvelope struct {
	Resources    []string `json:"Resources"`
	Permissive   bool     `json:"Permissive"`
	Asynchronous bool     `json:"Asynchronous"`
	Priority     int      `json:"Priority"`

	LocalAet          string `json:"LocalAet"`
	MoveOriginatorAet string `json:"MoveOriginatorAet"`
	MoveOriginatorID  uint16 `json:"MoveOriginatorID"`
}

// answerSubmission reports a queued job, or waits for it when the client
// asked for a synchronous call. A synchronous success answers an empty
// document; the job details stay reachable under /jobs/{id}.
func (h *RemoteHandler) answerSubmission(w http.ResponseWriter, r *http.Request, jobID string, async bool) {
	if async {
		writeJSON(w, http.StatusOK, map[string]string{"ID": jobID})
		return
	}
	record, err := h.s.Jobs().Wait(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if record.State != jobs.StateSuccess {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"Error": record.Error})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (h *RemoteHandler) listModalities(w http.ResponseWriter, r *http.Request) {
	modalities, err := h.s.ListModalities()
	if err != nil {
		writeError(w, r, err)
		return
	}
	names := make([]string, 0, len(modalities))
	for _, m := range modalities {
		names = append(names, m.Symbolic)
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *RemoteHandler) getModality(w http.ResponseWriter, r *http.Request) {
	modality, err := h.s.GetModality(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, modality)
}

func (h *RemoteHandler) putModality(w http.ResponseWriter, r *http.Request) {
	var modality models.Modality
	if !decodeJSON(w, r, &modality) {
		return
	}
	modality.Symbolic = chi.URLParam(r, "id")
	saved, err := h.s.UpsertModality(modality)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *RemoteHandler) deleteModality(w http.ResponseWriter, r *http.Request) {
	if err := h.s.DeleteModality(chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// echoModality verifies the connectivity to a modality.
func (h *RemoteHandler) echoModality(w http.ResponseWriter, r *http.Request) {
	if err := h.s.EchoModality(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// storeToModality pushes local resources to a modality with C-STORE.
func (h *RemoteHandler) storeToModality(w http.ResponseWriter, r *http.Request) {
	var req jobEnvelope
	if !decodeJSON(w, r, &req) {
		return
	}
	jobID, err := h.s.SubmitModalityStore(chi.URLParam(r, "id"), req.Resources, services.ModalityStoreOptions{
		Permissive:        req.Permissive,
		Priority:          req.Priority,
		LocalAET:          req.LocalAet,
		MoveOriginatorAET: req.MoveOriginatorAet,
		MoveOriginatorID:  req.MoveOriginatorID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.answerSubmission(w, r, jobID, req.Asynchronous)
}

type queryRequest struct {
	Level string            `json:"Level"`
	Query map[string]string `json:"Query"`
}

// queryModality runs a C-FIND against a modality and archives its answers.
func (h *RemoteHandler) queryModality(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	queryID, err := h.s.QueryModality(r.Context(), chi.URLParam(r, "id"), req.Level, req.Query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ID":   queryID,
		"Path": "/queries/" + queryID,
	})
}

type worklistRequest struct {
	Query map[string]string `json:"Query"`
}

// findWorklist runs a modality worklist C-FIND and renders the answers
// inline; worklist answers are transient and never archived.
func (h *RemoteHandler) findWorklist(w http.ResponseWriter, r *http.Request) {
	var req worklistRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	answers, err := h.s.WorklistQueryModality(r.Context(), chi.URLParam(r, "id"), req.Query)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rendered := make([]map[string]string, 0, len(answers))
	for _, answer := range answers {
		entry := make(map[string]string, answer.Len())
		for _, t := range answer.Tags() {
			entry[t.String()] = answer.GetString(t)
		}
		rendered = append(rendered, entry)
	}
	writeJSON(w, http.StatusOK, rendered)
}

type moveRequest struct {
	Level        string            `json:"Level"`
	Query        map[string]string `json:"Query"`
	TargetAet    string            `json:"TargetAet"`
	Asynchronous bool              `json:"Asynchronous"`
	Priority     int               `json:"Priority"`
}

// moveModality asks a modality to push matching objects with C-MOVE.
func (h *RemoteHandler) moveModality(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	jobID, err := h.s.SubmitMoveScu(chi.URLParam(r, "id"), req.TargetAet, req.Level, req.Query, req.Priority)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.answerSubmission(w, r, jobID, req.Asynchronous)
}

func (h *RemoteHandler) listPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := h.s.ListPeers()
	if err != nil {
		writeError(w, r, err)
		return
	}
	names := make([]string, 0, len(peers))
	for _, p := range peers {
		names = append(names, p.Symbolic)
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *RemoteHandler) getPeer(w http.ResponseWriter, r *http.Request) {
	peer, err := h.s.GetPeer(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, peer)
}

func (h *RemoteHandler) putPeer(w http.ResponseWriter, r *http.Request) {
	var peer models.Peer
	if !decodeJSON(w, r, &peer) {
		return
	}
	peer.Symbolic = chi.URLParam(r, "id")
	saved, err := h.s.UpsertPeer(peer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *RemoteHandler) deletePeer(w http.ResponseWriter, r *http.Request) {
	if err := h.s.DeletePeer(chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// storeToPeer uploads local resources to a peer archive over HTTP.
func (h *RemoteHandler) storeToPeer(w http.ResponseWriter, r *http.Request) {
	var req jobEnvelope
	if !decodeJSON(w, r, &req) {
		return
	}
	jobID, err := h.s.SubmitPeerStore(chi.URLParam(r, "id"), req.Resources, req.Permissive, req.Priority)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.answerSubmission(w, r, jobID, req.Asynchronous)
}

func (h *RemoteHandler) listQueries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.s.Queries().List())
}

func (h *RemoteHandler) getQuery(w http.ResponseWriter, r *http.Request) {
	query, err := h.s.Queries().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ID":             query.ID,
		"RemoteModality": query.Remote.Symbolic,
		"Level":          query.Level,
		"Query":          query.Criteria,
		"Answers":        len(query.Answers),
	})
}

// listQueryAnswers enumerates the answer indices of an archived query.
func (h *RemoteHandler) listQueryAnswers(w http.ResponseWriter, r *http.Request) {
	query, err := h.s.Queries().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	indices := make([]string, len(query.Answers))
	for i := range query.Answers {
		indices[i] = strconv.Itoa(i)
	}
	writeJSON(w, http.StatusOK, indices)
}

// pathIndex parses the {index} path segment; a malformed value maps to -1,
// which the query archive rejects as out of range.
func pathIndex(r *http.Request) int {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		return -1
	}
	return index
}

func (h *RemoteHandler) getQueryAnswer(w http.ResponseWriter, r *http.Request) {
	answer, err := h.s.Queries().Answer(chi.URLParam(r, "id"), pathIndex(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	rendered := make(map[string]string, answer.Len())
	for _, t := range answer.Tags() {
		rendered[t.String()] = answer.GetString(t)
	}
	writeJSON(w, http.StatusOK, rendered)
}

type retrieveRequest struct {
	TargetAet    string `json:"TargetAet"`
	Asynchronous bool   `json:"Asynchronous"`
	Priority     int    `json:"Priority"`
}

// retrieveAnswer brings one archived answer back with C-MOVE.
func (h *RemoteHandler) retrieveAnswer(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	jobID, err := h.s.RetrieveQueryAnswer(chi.URLParam(r, "id"), pathIndex(r), req.TargetAet, req.Priority)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.answerSubmission(w, r, jobID, req.Asynchronous)
}

// retrieveQuery brings every archived answer back with C-MOVE, one job per
// answer.
func (h *RemoteHandler) retrieveQuery(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	jobIDs, err := h.s.RetrieveQuery(chi.URLParam(r, "id"), req.TargetAet, req.Priority)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"Jobs": jobIDs})
}

// Mount registers the remote routes.
func (h *RemoteHandler) Mount(r chi.Router) {
	r.Route("/modalities", func(r chi.Router) {
		r.Get("/", h.listModalities)
		r.Get("/{id}", h.getModality)
		r.Put("/{id}", h.putModality)
		r.Delete("/{id}", h.deleteModality)
		r.Post("/{id}/echo", h.echoModality)
		r.Post("/{id}/store", h.storeToModality)
		r.Post("/{id}/query", h.queryModality)
		r.Post("/{id}/find-worklist", h.findWorklist)
		r.Post("/{id}/move", h.moveModality)
	})

	r.Route("/peers", func(r chi.Router) {
		r.Get("/", h.listPeers)
		r.Get("/{id}", h.getPeer)
		r.Put("/{id}", h.putPeer)
		r.Delete("/{id}", h.deletePeer)
		r.Post("/{id}/store", h.storeToPeer)
	})

	r.Route("/queries", func(r chi.Router) {
		r.Get("/", h.listQueries)
		r.Get("/{id}", h.getQuery)
		r.Get("/{id}/answers", h.listQueryAnswers)
		r.Get("/{id}/answers/{index}", h.getQueryAnswer)
		r.Post("/{id}/answers/{index}/retrieve", h.retrieveAnswer)
		r.Post("/{id}/retrieve", h.retrieveQuery)
	})
}
