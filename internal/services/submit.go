package services

import (
	"fmt"

	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/index"
	"github.com/halcyonmed/dicom-archive/internal/jobs"
	"github.com/halcyonmed/dicom-archive/internal/metrics"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/halcyonmed/dicom-archive/internal/qr"
)

// expandToInstances resolves a mixed list of resource ids to instance ids.
func (s *ServerContext) expandToInstances(resources []string) ([]string, error) {
	var instances []string
	for _, publicID := range resources {
		below, err := s.InstancesOf(publicID)
		if err != nil {
			return nil, err
		}
		instances = append(instances, below...)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: no instance selected", errs.ErrBadRequest)
	}
	return instances, nil
}

func (s *ServerContext) submit(job jobs.Job, priority int) (string, error) {
	id, err := s.engine.Submit(job, priority)
	if err != nil {
		return "", err
	}
	metrics.JobsSubmitted.WithLabelValues(job.Type()).Inc()
	return id, nil
}

// ModalityStoreOptions tunes a C-STORE push. The zero value uses the
// server's own AET and no move-originator tagging.
type ModalityStoreOptions struct {
	Permissive bool
	Priority   int

	// LocalAET overrides the calling AE title of the association.
	LocalAET string

	// MoveOriginatorAET tags the pushed objects as sub-operations of a
	// C-MOVE issued by that AE.
	MoveOriginatorAET string
	MoveOriginatorID  uint16
}

// SubmitModalityStore queues a C-STORE push of the selected resources to a
// registered modality.
func (s *ServerContext) SubmitModalityStore(symbolic string, resources []string, opts ModalityStoreOptions) (string, error) {
	remote, err := s.GetModality(symbolic)
	if err != nil {
		return "", err
	}
	instances, err := s.expandToInstances(resources)
	if err != nil {
		return "", err
	}

	localAET := opts.LocalAET
	if localAET == "" {
		localAET = s.cfg.Dicom.AET
	}

	job := jobs.NewModalityStoreJob(s, remote, localAET, s.cfg.Dicom.ScuTimeout)
	if err := job.SetPermissive(opts.Permissive); err != nil {
		return "", err
	}
	if opts.MoveOriginatorAET != "" {
		if err := job.SetMoveOriginator(opts.MoveOriginatorAET, opts.MoveOriginatorID); err != nil {
			return "", err
		}
	}
	for _, instance := range instances {
		if err := job.AddInstance(instance); err != nil {
			return "", err
		}
	}
	return s.submit(job, opts.Priority)
}

// SubmitPeerStore queues an HTTP upload of the selected resources to a
// registered peer.
func (s *ServerContext) SubmitPeerStore(symbolic string, resources []string, permissive bool, priority int) (string, error) {
	peer, err := s.GetPeer(symbolic)
	if err != nil {
		return "", err
	}
	instances, err := s.expandToInstances(resources)
	if err != nil {
		return "", err
	}

	job := jobs.NewPeerStoreJob(s, peer)
	if err := job.SetPermissive(permissive); err != nil {
		return "", err
	}
	for _, instance := range instances {
		if err := job.AddInstance(instance); err != nil {
			return "", err
		}
	}
	return s.submit(job, priority)
}

// SubmitMoveScu queues a C-MOVE request asking a modality to push matching
// objects to targetAET, or back to this server when targetAET is empty.
func (s *ServerContext) SubmitMoveScu(symbolic, targetAET, level string, query map[string]string, priority int) (string, error) {
	remote, err := s.GetModality(symbolic)
	if err != nil {
		return "", err
	}
	job := jobs.NewMoveScuJob(remote, s.cfg.Dicom.AET, targetAET, level, query, s.cfg.Dicom.ScuTimeout)
	return s.submit(job, priority)
}

// uidSelectorOfLevel names the identifier attribute a retrieve of one level
// keys on.
func uidSelectorOfLevel(level string) (dimse.Tag, error) {
	switch level {
	case "PATIENT":
		return dimse.TagPatientID, nil
	case "STUDY":
		return dimse.TagStudyInstanceUID, nil
	case "SERIES":
		return dimse.TagSeriesInstanceUID, nil
	case "IMAGE", "INSTANCE":
		return dimse.TagSOPInstanceUID, nil
	default:
		return dimse.Tag{}, fmt.Errorf("%w: unsupported query level %q", errs.ErrBadRequest, level)
	}
}

// retrieveQueryOf builds the C-MOVE identifier selecting one archived
// answer: the level identifier plus the ancestor identifiers the answer
// carries.
func retrieveQueryOf(q *qr.Query, answer *dimse.Dataset) (map[string]string, error) {
	selector, err := uidSelectorOfLevel(q.Level)
	if err != nil {
		return nil, err
	}
	uid := answer.GetString(selector)
	if uid == "" {
		return nil, fmt.Errorf("%w: answer misses its %s identifier", errs.ErrBadRequest, q.Level)
	}

	query := map[string]string{
		fmt.Sprintf("%04x,%04x", selector.Group, selector.Element): uid,
	}
	for _, ancestor := range []dimse.Tag{dimse.TagPatientID, dimse.TagStudyInstanceUID, dimse.TagSeriesInstanceUID} {
		if ancestor == selector {
			break
		}
		if value := answer.GetString(ancestor); value != "" {
			query[fmt.Sprintf("%04x,%04x", ancestor.Group, ancestor.Element)] = value
		}
	}
	return query, nil
}

// RetrieveQueryAnswer queues a C-MOVE bringing one archived answer to
// targetAET.
func (s *ServerContext) RetrieveQueryAnswer(queryID string, answerIndex int, targetAET string, priority int) (string, error) {
	q, err := s.queries.Get(queryID)
	if err != nil {
		return "", err
	}
	answer, err := s.queries.Answer(queryID, answerIndex)
	if err != nil {
		return "", err
	}
	query, err := retrieveQueryOf(q, answer)
	if err != nil {
		return "", err
	}

	job := jobs.NewMoveScuJob(q.Remote, s.cfg.Dicom.AET, targetAET, q.Level, query, s.cfg.Dicom.ScuTimeout)
	return s.submit(job, priority)
}

// RetrieveQuery queues one C-MOVE per archived answer.
func (s *ServerContext) RetrieveQuery(queryID, targetAET string, priority int) ([]string, error) {
	q, err := s.queries.Get(queryID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(q.Answers))
	for i := range q.Answers {
		id, err := s.RetrieveQueryAnswer(queryID, i, targetAET, priority)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Unserializers rebuilds persisted jobs, resolving remotes by their symbolic
// names at load time.
func (s *ServerContext) Unserializers() map[string]jobs.Unserializer {
	return map[string]jobs.Unserializer{
		jobs.TypeModalityStore: func(payload map[string]interface{}) (jobs.Job, error) {
			remote, err := s.GetModality(jobs.RemoteSymbolic(payload))
			if err != nil {
				return nil, err
			}
			job := jobs.NewModalityStoreJob(s, remote, s.cfg.Dicom.AET, s.cfg.Dicom.ScuTimeout)
			job.RestorePayload(payload)
			return job, nil
		},
		jobs.TypePeerStore: func(payload map[string]interface{}) (jobs.Job, error) {
			peer, err := s.GetPeer(jobs.PeerSymbolic(payload))
			if err != nil {
				return nil, err
			}
			job := jobs.NewPeerStoreJob(s, peer)
			job.Restore(payload)
			return job, nil
		},
		jobs.TypeMoveScu: func(payload map[string]interface{}) (jobs.Job, error) {
			remote, err := s.GetModality(jobs.RemoteSymbolic(payload))
			if err != nil {
				return nil, err
			}
			job := jobs.NewMoveScuJob(remote, s.cfg.Dicom.AET, "", "", nil, s.cfg.Dicom.ScuTimeout)
			job.RestorePayload(payload)
			return job, nil
		},
	}
}

// SaveJobsRegistry persists one registry snapshot in the global properties.
func (s *ServerContext) SaveJobsRegistry(data []byte) error {
	return s.idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		return tx.SetGlobalProperty(models.PropertyJobsRegistry, string(data))
	})
}

// LoadJobsRegistry resumes the jobs persisted by the previous run.
func (s *ServerContext) LoadJobsRegistry() error {
	var data string
	err := s.idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		var err error
		data, err = tx.LookupGlobalProperty(models.PropertyJobsRegistry, "")
		return err
	})
	if err != nil {
		return err
	}
	return s.engine.Load([]byte(data), s.Unserializers())
}

// StartJobsFlusher persists the registry periodically; the returned stop
// function flushes one last time.
func (s *ServerContext) StartJobsFlusher() (stop func()) {
	return s.engine.Flusher(s.cfg.Jobs.FlushInterval, s.SaveJobsRegistry)
}
