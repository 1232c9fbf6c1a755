package services

import (
	"testing"

	"github.com/google/uuid"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validModality() models.Modality {
	return models.Modality{
		Symbolic: "pacs",
		AET:      "PACS",
		Host:     "pacs.example.com",
		Port:     104,
		IsActive: true,
	}
}

func TestUpsertModalityValidation(t *testing.T) {
	s := newTestContext(t, nil)

	cases := map[string]func(*models.Modality){
		"missing symbolic": func(m *models.Modality) { m.Symbolic = "" },
		"missing aet":      func(m *models.Modality) { m.AET = "" },
		"missing host":     func(m *models.Modality) { m.Host = "" },
		"long aet":         func(m *models.Modality) { m.AET = "AVERYLONGAETITLE17" },
		"zero port":        func(m *models.Modality) { m.Port = 0 },
		"huge port":        func(m *models.Modality) { m.Port = 70000 },
	}
	for name, mutate := range cases {
		modality := validModality()
		mutate(&modality)
		_, err := s.UpsertModality(modality)
		assert.ErrorIs(t, err, errs.ErrBadRequest, name)
	}
}

func TestUpsertModalityDefaultsQuirk(t *testing.T) {
	s := newTestContext(t, nil)

	saved, err := s.UpsertModality(validModality())
	require.NoError(t, err)
	assert.Equal(t, models.QuirkGeneric, saved.Quirk)
	assert.NotEqual(t, uuid.Nil, saved.ID)
}

func TestUpsertModalityReplacesExisting(t *testing.T) {
	s := newTestContext(t, nil)

	first, err := s.UpsertModality(validModality())
	require.NoError(t, err)

	updated := validModality()
	updated.Host = "pacs2.example.com"
	updated.Quirk = models.QuirkGE
	second, err := s.UpsertModality(updated)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	list, err := s.ListModalities()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pacs2.example.com", list[0].Host)
	assert.Equal(t, models.QuirkGE, list[0].Quirk)
}

func TestGetModalityByAET(t *testing.T) {
	s := newTestContext(t, nil)

	_, err := s.UpsertModality(validModality())
	require.NoError(t, err)

	modality, err := s.GetModalityByAET("PACS")
	require.NoError(t, err)
	assert.Equal(t, "pacs", modality.Symbolic)

	_, err = s.GetModalityByAET("NOBODY")
	assert.ErrorIs(t, err, errs.ErrInexistentItem)

	// Inactive entries are not resolvable as move destinations.
	inactive := validModality()
	inactive.Symbolic = "old-pacs"
	inactive.AET = "OLDPACS"
	inactive.IsActive = false
	_, err = s.UpsertModality(inactive)
	require.NoError(t, err)

	_, err = s.GetModalityByAET("OLDPACS")
	assert.ErrorIs(t, err, errs.ErrInexistentItem)
}

func TestDeleteModality(t *testing.T) {
	s := newTestContext(t, nil)

	_, err := s.UpsertModality(validModality())
	require.NoError(t, err)
	require.NoError(t, s.DeleteModality("pacs"))

	_, err = s.GetModality("pacs")
	assert.ErrorIs(t, err, errs.ErrInexistentItem)
	assert.ErrorIs(t, s.DeleteModality("pacs"), errs.ErrInexistentItem)
}

func TestUpsertPeer(t *testing.T) {
	s := newTestContext(t, nil)

	_, err := s.UpsertPeer(models.Peer{Symbolic: "mirror"})
	assert.ErrorIs(t, err, errs.ErrBadRequest)

	peer, err := s.UpsertPeer(models.Peer{
		Symbolic: "mirror",
		URL:      "https://mirror.example.com",
		IsActive: true,
	})
	require.NoError(t, err)

	updated := peer
	updated.URL = "https://mirror2.example.com"
	second, err := s.UpsertPeer(updated)
	require.NoError(t, err)
	assert.Equal(t, peer.ID, second.ID)

	list, err := s.ListPeers()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "https://mirror2.example.com", list[0].URL)

	require.NoError(t, s.DeletePeer("mirror"))
	_, err = s.GetPeer("mirror")
	assert.ErrorIs(t, err, errs.ErrInexistentItem)
}
