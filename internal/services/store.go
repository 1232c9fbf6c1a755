package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/halcyonmed/dicom-archive/internal/dicomtool"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/index"
	"github.com/halcyonmed/dicom-archive/internal/metrics"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// StoreStatus is the outcome of an ingestion.
type StoreStatus int

const (
	StoreSuccess StoreStatus = iota
	StoreAlreadyStored
	StoreFilteredOut
)

// StoreResult reports what an ingestion produced.
type StoreResult struct {
	Status     StoreStatus
	InstanceID string
	SeriesID   string
	StudyID    string
	PatientID  string
}

// Store runs the ingestion pipeline on one DICOM object: parse, filter,
// make room under the quotas, build the hierarchy, write the blob, index
// the tags and log the changes. Everything happens in one index
// transaction; a failure leaves no trace.
func (s *ServerContext) Store(ctx context.Context, content []byte, origin Origin) (StoreResult, error) {
	start := time.Now()

	parsed, err := dicomtool.Parse(content)
	if err != nil {
		metrics.InstancesReceived.WithLabelValues(origin.Source, "rejected").Inc()
		return StoreResult{}, err
	}

	if s.filter != nil && !s.filter(parsed, origin) {
		metrics.InstancesReceived.WithLabelValues(origin.Source, "filtered").Inc()
		return StoreResult{Status: StoreFilteredOut}, nil
	}

	hasher := dicomtool.NewHasher(parsed)
	result := StoreResult{
		InstanceID: hasher.PublicID(models.KindInstance),
		SeriesID:   hasher.PublicID(models.KindSeries),
		StudyID:    hasher.PublicID(models.KindStudy),
		PatientID:  hasher.PublicID(models.KindPatient),
	}

	err = s.idx.Transaction(index.ReadWrite, s.listener(), func(tx *index.Tx) error {
		// Overwrite handling: the second copy of an instance either
		// replaces the first or is acknowledged without touching it.
		if existing, kind, err := tx.LookupResource(result.InstanceID); err == nil && kind == models.KindInstance {
			if !s.cfg.Storage.OverwriteInstances {
				result.Status = StoreAlreadyStored
				return nil
			}
			if err := tx.DeleteResource(existing); err != nil {
				return err
			}
		}

		if err := s.makeRoom(tx, int64(len(content)), result.PatientID); err != nil {
			return err
		}

		ids, isNew, err := s.createHierarchy(tx, hasher)
		if err != nil {
			return err
		}

		file, err := s.accessor.Write(ids[models.KindInstance], models.ContentDicom, content)
		if err != nil {
			return err
		}
		if err := tx.AddAttachment(file); err != nil {
			return err
		}

		if err := s.indexTags(tx, parsed, ids, isNew); err != nil {
			return err
		}
		if err := s.writeMetadata(tx, parsed, origin, ids); err != nil {
			return err
		}
		return s.logChanges(tx, ids, isNew)
	})
	if err != nil {
		metrics.InstancesReceived.WithLabelValues(origin.Source, "failed").Inc()
		return StoreResult{}, err
	}

	outcome := "stored"
	if result.Status == StoreAlreadyStored {
		outcome = "already_stored"
	}
	metrics.InstancesReceived.WithLabelValues(origin.Source, outcome).Inc()
	metrics.StoreDuration.Observe(time.Since(start).Seconds())

	log.Info().Str("instance", result.InstanceID).Str("origin", origin.Source).
		Str("remote_aet", origin.RemoteAET).Str("outcome", outcome).
		Msg("Instance ingested")
	return result, nil
}

// makeRoom recycles unprotected patients until the quotas admit the new
// object. The patient the object belongs to is never recycled from under
// its own ingestion.
func (s *ServerContext) makeRoom(tx *index.Tx, addedSize int64, patientPublicID string) error {
	maxSize := s.cfg.Storage.MaxSize
	maxPatients := s.cfg.Storage.MaxPatientCount
	if maxSize == 0 && maxPatients == 0 {
		return nil
	}

	var exclude int64
	if id, kind, err := tx.LookupResource(patientPublicID); err == nil && kind == models.KindPatient {
		exclude = id
	}

	for {
		needed, err := s.recyclingNeeded(tx, addedSize, maxSize, maxPatients, exclude)
		if err != nil {
			return err
		}
		if !needed {
			return nil
		}

		victim, ok, err := tx.SelectPatientToRecycle(exclude)
		if err != nil {
			return err
		}
		if !ok {
			return errs.ErrFullStorage
		}

		publicID, _ := tx.GetPublicID(victim)
		if err := tx.DeleteResource(victim); err != nil {
			return err
		}
		metrics.PatientsRecycled.Inc()
		log.Info().Str("patient", publicID).Msg("Patient recycled to reclaim quota")
	}
}

func (s *ServerContext) recyclingNeeded(tx *index.Tx, addedSize, maxSize, maxPatients, exclude int64) (bool, error) {
	if maxSize > 0 {
		total, err := tx.GetTotalCompressedSize()
		if err != nil {
			return false, err
		}
		// An object that exactly fills the remaining quota is admitted.
		if total+addedSize > maxSize {
			return true, nil
		}
	}
	if maxPatients > 0 {
		count, err := tx.CountResources(models.KindPatient)
		if err != nil {
			return false, err
		}
		// The incoming object adds a patient unless it extends one that
		// already exists.
		if exclude == 0 {
			count++
		}
		if count > maxPatients {
			return true, nil
		}
	}
	return false, nil
}

// createHierarchy resolves or creates the four resources of the object and
// attaches the new ones to their parents.
func (s *ServerContext) createHierarchy(tx *index.Tx, hasher dicomtool.Hasher) (map[models.ResourceKind]int64, map[models.ResourceKind]bool, error) {
	ids := make(map[models.ResourceKind]int64, 4)
	isNew := make(map[models.ResourceKind]bool, 4)

	for kind := models.KindPatient; kind <= models.KindInstance; kind++ {
		publicID := hasher.PublicID(kind)
		id, existingKind, err := tx.LookupResource(publicID)
		switch {
		case err == nil:
			if existingKind != kind {
				return nil, nil, fmt.Errorf("%w: %s already indexed at another level", errs.ErrCorruptedFile, publicID)
			}
			ids[kind] = id
		case err == errs.ErrUnknownResource:
			created, err := tx.CreateResource(publicID, kind)
			if err != nil {
				return nil, nil, err
			}
			ids[kind] = created
			isNew[kind] = true
			if parentKind, ok := kind.Parent(); ok {
				if err := tx.AttachChild(ids[parentKind], created); err != nil {
					return nil, nil, err
				}
			}
		default:
			return nil, nil, err
		}
	}

	if !isNew[models.KindInstance] {
		// The overwrite path deletes the previous copy first, so a fresh
		// ingestion always creates the instance.
		return nil, nil, fmt.Errorf("%w: instance resurfaced during ingestion", errs.ErrDatabase)
	}
	return ids, isNew, nil
}

// indexTags writes the tag summaries and the normalized identifier tags of
// every newly created resource.
func (s *ServerContext) indexTags(tx *index.Tx, parsed *dicomtool.ParsedInstance, ids map[models.ResourceKind]int64, isNew map[models.ResourceKind]bool) error {
	for kind := models.KindPatient; kind <= models.KindInstance; kind++ {
		if !isNew[kind] {
			continue
		}
		for t, value := range parsed.SummaryAtLevel(kind) {
			if err := tx.SetMainDicomTag(ids[kind], t.Group, t.Element, value); err != nil {
				return err
			}
			if dicomtool.IsIdentifierTag(kind, t) {
				normalized := index.NormalizeIdentifier(value)
				if err := tx.SetIdentifierTag(ids[kind], t.Group, t.Element, normalized); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *ServerContext) writeMetadata(tx *index.Tx, parsed *dicomtool.ParsedInstance, origin Origin, ids map[models.ResourceKind]int64) error {
	now := nowISO()

	instance := ids[models.KindInstance]
	pairs := []struct {
		t     models.MetadataType
		value string
	}{
		{models.MetaReceptionDate, now},
		{models.MetaRemoteAet, origin.RemoteAET},
		{models.MetaTransferSyntax, parsed.TransferSyntax},
		{models.MetaSopClassUID, parsed.SOPClassUID},
	}
	if number, ok := dicomtool.ElementString(&parsed.Dataset, tag.InstanceNumber); ok {
		if _, err := strconv.Atoi(number); err == nil {
			pairs = append(pairs, struct {
				t     models.MetadataType
				value string
			}{models.MetaIndexInSeries, number})
		}
	}
	for _, pair := range pairs {
		if pair.value == "" {
			continue
		}
		if err := tx.SetMetadata(instance, pair.t, pair.value); err != nil {
			return err
		}
	}

	// Every touched resource records the ingestion time.
	for kind := models.KindPatient; kind <= models.KindInstance; kind++ {
		if err := tx.SetMetadata(ids[kind], models.MetaLastUpdate, now); err != nil {
			return err
		}
	}
	return nil
}

// logChanges appends the change-log entries, instance first, then the new
// ancestors bottom-up.
func (s *ServerContext) logChanges(tx *index.Tx, ids map[models.ResourceKind]int64, isNew map[models.ResourceKind]bool) error {
	if err := tx.LogChange(models.ChangeNewInstance, ids[models.KindInstance]); err != nil {
		return err
	}

	ancestors := []struct {
		kind   models.ResourceKind
		change models.ChangeType
	}{
		{models.KindSeries, models.ChangeNewSeries},
		{models.KindStudy, models.ChangeNewStudy},
		{models.KindPatient, models.ChangeNewPatient},
	}
	for _, a := range ancestors {
		if !isNew[a.kind] {
			continue
		}
		if err := tx.LogChange(a.change, ids[a.kind]); err != nil {
			return err
		}
	}
	return nil
}
