package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/rs/zerolog/log"
)

// pool returns the association pool towards one modality, creating it on
// first use.
func (s *ServerContext) pool(remote models.Modality) *dimse.Pool {
	key := fmt.Sprintf("%s@%s:%d/%s", remote.AET, remote.Host, remote.Port, remote.Symbolic)

	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if p, ok := s.pools[key]; ok {
		return p
	}

	p := dimse.NewPool(dimse.PoolConfig{
		ConnectParams: dimse.ConnectParams{
			LocalAET:  s.cfg.Dicom.AET,
			RemoteAET: remote.AET,
			Host:      remote.Host,
			Port:      remote.Port,
			Timeout:   s.cfg.Dicom.ScuTimeout,
			Proposed:  dimse.QueryContexts(),
		},
	})
	s.pools[key] = p
	return p
}

// EchoModality verifies the connectivity to a registered modality with a
// C-ECHO.
func (s *ServerContext) EchoModality(ctx context.Context, symbolic string) error {
	remote, err := s.GetModality(symbolic)
	if err != nil {
		return err
	}

	pool := s.pool(remote)
	assoc, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	if err := assoc.Echo(ctx); err != nil {
		assoc.Abort()
		return err
	}
	pool.Put(assoc)
	return nil
}

// QueryModality runs a C-FIND against a registered modality and archives the
// answers for later inspection and retrieval. query maps "GGGG,EEEE"
// formatted tags to their matching values.
func (s *ServerContext) QueryModality(ctx context.Context, symbolic, level string, query map[string]string) (string, error) {
	remote, err := s.GetModality(symbolic)
	if err != nil {
		return "", err
	}

	level = strings.ToUpper(strings.TrimSpace(level))
	dataset := dimse.NewDataset()
	dataset.Set(dimse.TagQueryRetrieveLevel, level)
	for key, value := range query {
		var group, element uint16
		if _, err := fmt.Sscanf(key, "%04x,%04x", &group, &element); err != nil {
			return "", fmt.Errorf("malformed tag %q in query", key)
		}
		dataset.Set(dimse.Tag{Group: group, Element: element}, value)
	}
	dimse.NormalizeFindQuery(dataset, level, remote.Quirk)

	model := dimse.StudyRootFind
	if level == "PATIENT" {
		model = dimse.PatientRootFind
	}

	pool := s.pool(remote)
	assoc, err := pool.Get(ctx)
	if err != nil {
		return "", err
	}

	var answers []*dimse.Dataset
	err = assoc.Find(ctx, model, dataset, func(match *dimse.Dataset) error {
		answers = append(answers, match)
		return nil
	})
	if err != nil {
		assoc.Abort()
		return "", err
	}
	pool.Put(assoc)

	id := s.queries.Add(remote, level, query, answers)
	log.Info().Str("modality", symbolic).Str("query", id).Int("answers", len(answers)).
		Msg("Remote query archived")
	return id, nil
}

// WorklistQueryModality runs a modality worklist C-FIND. Worklist queries
// are passed through untouched: no quirk rewriting, no level attribute, the
// full identifier travels as given.
func (s *ServerContext) WorklistQueryModality(ctx context.Context, symbolic string, query map[string]string) ([]*dimse.Dataset, error) {
	remote, err := s.GetModality(symbolic)
	if err != nil {
		return nil, err
	}

	dataset := dimse.NewDataset()
	for key, value := range query {
		var group, element uint16
		if _, err := fmt.Sscanf(key, "%04x,%04x", &group, &element); err != nil {
			return nil, fmt.Errorf("malformed tag %q in query", key)
		}
		dataset.Set(dimse.Tag{Group: group, Element: element}, value)
	}

	pool := s.pool(remote)
	assoc, err := pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	var answers []*dimse.Dataset
	err = assoc.Find(ctx, dimse.ModalityWorklistFind, dataset, func(match *dimse.Dataset) error {
		answers = append(answers, match)
		return nil
	})
	if err != nil {
		assoc.Abort()
		return nil, err
	}
	pool.Put(assoc)

	log.Info().Str("modality", symbolic).Int("answers", len(answers)).
		Msg("Worklist query answered")
	return answers, nil
}
