package services

import (
	"context"
	"testing"

	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/halcyonmed/dicom-archive/internal/jobs"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/halcyonmed/dicom-archive/internal/scp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveRejectsUnknownDestination(t *testing.T) {
	s := newTestContext(t, nil)

	query := dimse.NewDataset()
	query.Set(dimse.TagStudyInstanceUID, "1.2.3")

	_, err := s.Move(context.Background(), scp.MoveEvent{
		RemoteAET: "MOVESCU",
		TargetAET: "NOWHERE",
		MessageID: 1,
		Query:     query,
	})
	assert.Error(t, err)
}

func TestMoveDelegatedJobToleratesRefusedInstances(t *testing.T) {
	s := newTestContext(t, nil)
	ctx := context.Background()

	_, err := s.Store(ctx, defaultFile(), Origin{Source: "rest"})
	require.NoError(t, err)
	_, err = s.Store(ctx, testFile(fileParams{
		patientID: "PAT001",
		studyUID:  "1.2.3",
		seriesUID: "1.2.3.4",
		sopUID:    "1.2.3.4.6",
	}), Origin{Source: "rest"})
	require.NoError(t, err)

	// Port 1 refuses the connection, so every sub-operation fails.
	_, err = s.UpsertModality(models.Modality{
		Symbolic: "pacs",
		AET:      "PACS",
		Host:     "127.0.0.1",
		Port:     1,
		IsActive: true,
	})
	require.NoError(t, err)

	s.Jobs().Start()
	t.Cleanup(s.Jobs().Stop)

	query := dimse.NewDataset()
	query.Set(dimse.TagStudyInstanceUID, "1.2.3")

	session, err := s.Move(ctx, scp.MoveEvent{
		RemoteAET: "MOVESCU",
		TargetAET: "PACS",
		MessageID: 1,
		Query:     query,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, session.Remaining())

	records := s.Jobs().List()
	require.NotEmpty(t, records)
	record, err := s.Jobs().Wait(ctx, records[0].ID)
	require.NoError(t, err)

	// The delegated transfer keeps going past refused instances and still
	// reports them.
	assert.Equal(t, jobs.StateSuccess, record.State)
	assert.Equal(t, 2, record.Content["FailedInstancesCount"])
}
