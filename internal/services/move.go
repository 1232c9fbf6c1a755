package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/index"
	"github.com/halcyonmed/dicom-archive/internal/jobs"
	"github.com/halcyonmed/dicom-archive/internal/metrics"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/halcyonmed/dicom-archive/internal/scp"
	"github.com/rs/zerolog/log"
)

// moveSelector orders the identifiers a C-MOVE can carry, most specific
// first. The first one present in the query decides the retrieval scope.
var moveSelector = []struct {
	tag   dimse.Tag
	level models.ResourceKind
}{
	{dimse.TagSOPInstanceUID, models.KindInstance},
	{dimse.TagSeriesInstanceUID, models.KindSeries},
	{dimse.TagStudyInstanceUID, models.KindStudy},
	{dimse.TagPatientID, models.KindPatient},
}

// ResolveRetrieve maps a C-MOVE identifier to the public ids of the
// instances to send. An identifier selecting nothing yields an empty set.
func (s *ServerContext) ResolveRetrieve(query *dimse.Dataset) ([]string, error) {
	var selTag dimse.Tag
	var selLevel models.ResourceKind
	var values []string
	for _, sel := range moveSelector {
		if value := query.GetString(sel.tag); value != "" {
			selTag = sel.tag
			selLevel = sel.level
			values = strings.Split(value, "\\")
			break
		}
	}
	if values == nil {
		return nil, fmt.Errorf("%w: identifier names no resource", errs.ErrBadRequest)
	}

	c := index.Constraint{
		Level:      selLevel,
		TagGroup:   selTag.Group,
		TagElement: selTag.Element,
		Identifier: true,
		Mandatory:  true,
	}
	if len(values) == 1 {
		c.Type = index.ConstraintEqual
		c.Value = values[0]
	} else {
		c.Type = index.ConstraintList
		c.Values = values
	}

	var instances []string
	err := s.idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		matches, err := tx.ApplyLookupResources([]index.Constraint{c}, selLevel, 0)
		if err != nil {
			return err
		}
		for _, publicID := range matches {
			id, kind, err := tx.LookupResource(publicID)
			if err != nil {
				return err
			}
			below, err := collectInstances(tx, id, kind)
			if err != nil {
				return err
			}
			instances = append(instances, below...)
		}
		return nil
	})
	return instances, err
}

// modalityMoveSession serves the sub-operations of a synchronous C-MOVE on
// the incoming association's goroutine.
type modalityMoveSession struct {
	job       *jobs.ModalityStoreJob
	instances []string
	pos       int
}

func (m *modalityMoveSession) Remaining() int {
	return len(m.instances) - m.pos
}

func (m *modalityMoveSession) Step(ctx context.Context) error {
	publicID := m.instances[m.pos]
	m.pos++
	return m.job.HandleInstance(ctx, publicID)
}

func (m *modalityMoveSession) Close() {
	m.job.Stop(jobs.StopCanceled)
}

// submittedMoveSession reports no sub-operations; the transfer runs as a
// background job.
type submittedMoveSession struct{}

func (submittedMoveSession) Remaining() int             { return 0 }
func (submittedMoveSession) Step(context.Context) error { return nil }
func (submittedMoveSession) Close()                     {}

// Move serves an incoming C-MOVE: the destination AET is resolved against
// the registered modalities and the selected instances are pushed to it,
// either on the calling association or as a background job.
func (s *ServerContext) Move(ctx context.Context, event scp.MoveEvent) (scp.MoveSession, error) {
	remote, err := s.GetModalityByAET(event.TargetAET)
	if err != nil {
		return nil, fmt.Errorf("unknown move destination %q", event.TargetAET)
	}

	instances, err := s.ResolveRetrieve(event.Query)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, errs.ErrUnknownResource
	}

	job := jobs.NewModalityStoreJob(s, remote, s.cfg.Dicom.AET, s.cfg.Dicom.ScuTimeout)
	for _, publicID := range instances {
		if err := job.AddInstance(publicID); err != nil {
			return nil, err
		}
	}
	if err := job.SetMoveOriginator(event.RemoteAET, event.MessageID); err != nil {
		return nil, err
	}

	if s.cfg.Dicom.SynchronousCMove {
		log.Info().Str("destination", remote.Symbolic).Int("instances", len(instances)).
			Msg("Serving C-MOVE synchronously")
		return &modalityMoveSession{job: job, instances: instances}, nil
	}

	// The delegated transfer is permissive: one refused instance must not
	// abort the rest of the move.
	if err := job.SetPermissive(true); err != nil {
		return nil, err
	}

	id, err := s.engine.Submit(job, 0)
	if err != nil {
		return nil, err
	}
	metrics.JobsSubmitted.WithLabelValues(jobs.TypeModalityStore).Inc()
	log.Info().Str("destination", remote.Symbolic).Str("job", id).
		Int("instances", len(instances)).Msg("C-MOVE delegated to a job")
	return submittedMoveSession{}, nil
}
