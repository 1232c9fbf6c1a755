package index_test

import (
	"testing"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/index"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	groupPatientName uint16 = 0x0010
	elemPatientName  uint16 = 0x0010
	groupPatientID   uint16 = 0x0010
	elemPatientID    uint16 = 0x0020
	groupStudyDate   uint16 = 0x0008
	elemStudyDate    uint16 = 0x0020
	groupModality    uint16 = 0x0008
	elemModality     uint16 = 0x0060
)

// seedStudies builds two patients with one study each, carrying the tags the
// lookups match against.
func seedStudies(t *testing.T, idx *index.Index) {
	t.Helper()

	err := idx.Transaction(index.ReadWrite, nil, func(tx *index.Tx) error {
		type entry struct {
			patient, study string
			name, date     string
		}
		for _, e := range []entry{
			{"pat-1", "study-1", "DOE^JOHN", "20240115"},
			{"pat-2", "study-2", "SMITH^ANNA", "20231201"},
		} {
			patient, err := tx.CreateResource(e.patient, models.KindPatient)
			require.NoError(t, err)
			study, err := tx.CreateResource(e.study, models.KindStudy)
			require.NoError(t, err)
			require.NoError(t, tx.AttachChild(patient, study))

			require.NoError(t, tx.SetMainDicomTag(patient, groupPatientName, elemPatientName, e.name))
			require.NoError(t, tx.SetMainDicomTag(study, groupStudyDate, elemStudyDate, e.date))
			require.NoError(t, tx.SetIdentifierTag(patient, groupPatientID, elemPatientID,
				index.NormalizeIdentifier(e.patient)))
		}
		return nil
	})
	require.NoError(t, err)
}

func lookup(t *testing.T, idx *index.Index, constraints []index.Constraint, level models.ResourceKind) []string {
	t.Helper()

	var matches []string
	err := idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		var err error
		matches, err = tx.ApplyLookupResources(constraints, level, 0)
		return err
	})
	require.NoError(t, err)
	return matches
}

func TestLookupEqual(t *testing.T) {
	idx := newTestIndex(t)
	seedStudies(t, idx)

	matches := lookup(t, idx, []index.Constraint{{
		Level:      models.KindPatient,
		TagGroup:   groupPatientName,
		TagElement: elemPatientName,
		Type:       index.ConstraintEqual,
		Value:      "DOE^JOHN",
		Mandatory:  true,
	}}, models.KindPatient)

	assert.Equal(t, []string{"pat-1"}, matches)
}

func TestLookupWildcard(t *testing.T) {
	idx := newTestIndex(t)
	seedStudies(t, idx)

	matches := lookup(t, idx, []index.Constraint{{
		Level:      models.KindPatient,
		TagGroup:   groupPatientName,
		TagElement: elemPatientName,
		Type:       index.ConstraintWildcard,
		Value:      "DOE^*",
		Mandatory:  true,
	}}, models.KindPatient)
	assert.Equal(t, []string{"pat-1"}, matches)

	matches = lookup(t, idx, []index.Constraint{{
		Level:      models.KindPatient,
		TagGroup:   groupPatientName,
		TagElement: elemPatientName,
		Type:       index.ConstraintWildcard,
		Value:      "SMITH?ANNA",
		Mandatory:  true,
	}}, models.KindPatient)
	assert.Equal(t, []string{"pat-2"}, matches)
}

func TestLookupDateRange(t *testing.T) {
	idx := newTestIndex(t)
	seedStudies(t, idx)

	matches := lookup(t, idx, []index.Constraint{
		{
			Level:      models.KindStudy,
			TagGroup:   groupStudyDate,
			TagElement: elemStudyDate,
			Type:       index.ConstraintGreaterOrEqual,
			Value:      "20240101",
			Mandatory:  true,
		},
		{
			Level:      models.KindStudy,
			TagGroup:   groupStudyDate,
			TagElement: elemStudyDate,
			Type:       index.ConstraintSmallerOrEqual,
			Value:      "20241231",
			Mandatory:  true,
		},
	}, models.KindStudy)

	assert.Equal(t, []string{"study-1"}, matches)
}

func TestLookupAncestorConstraint(t *testing.T) {
	idx := newTestIndex(t)
	seedStudies(t, idx)

	// Querying studies with a patient-level constraint walks up the tree.
	matches := lookup(t, idx, []index.Constraint{{
		Level:      models.KindPatient,
		TagGroup:   groupPatientName,
		TagElement: elemPatientName,
		Type:       index.ConstraintEqual,
		Value:      "SMITH^ANNA",
		Mandatory:  true,
	}}, models.KindStudy)

	assert.Equal(t, []string{"study-2"}, matches)
}

func TestLookupRejectsConstraintBelowLevel(t *testing.T) {
	idx := newTestIndex(t)
	seedStudies(t, idx)

	err := idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		_, err := tx.ApplyLookupResources([]index.Constraint{{
			Level:      models.KindStudy,
			TagGroup:   groupStudyDate,
			TagElement: elemStudyDate,
			Type:       index.ConstraintEqual,
			Value:      "20240115",
		}}, models.KindPatient, 0)
		assert.ErrorIs(t, err, errs.ErrBadRequest)
		return nil
	})
	require.NoError(t, err)
}

func TestLookupIdentifierNormalization(t *testing.T) {
	idx := newTestIndex(t)
	seedStudies(t, idx)

	// Identifier values are stored normalized; the constraint value is
	// folded the same way before comparing.
	matches := lookup(t, idx, []index.Constraint{{
		Level:      models.KindPatient,
		TagGroup:   groupPatientID,
		TagElement: elemPatientID,
		Type:       index.ConstraintEqual,
		Value:      "  pat-1  ",
		Identifier: true,
		Mandatory:  true,
	}}, models.KindPatient)

	assert.Equal(t, []string{"pat-1"}, matches)
}

func TestLookupList(t *testing.T) {
	idx := newTestIndex(t)
	seedStudies(t, idx)

	matches := lookup(t, idx, []index.Constraint{{
		Level:      models.KindPatient,
		TagGroup:   groupPatientName,
		TagElement: elemPatientName,
		Type:       index.ConstraintList,
		Values:     []string{"DOE^JOHN", "SMITH^ANNA"},
		Mandatory:  true,
	}}, models.KindPatient)

	assert.Len(t, matches, 2)
}

func TestLookupMandatoryVersusOptional(t *testing.T) {
	idx := newTestIndex(t)
	seedStudies(t, idx)

	// No patient carries a Modality tag; a mandatory constraint rejects
	// everything, an optional one lets everything through.
	mandatory := lookup(t, idx, []index.Constraint{{
		Level:      models.KindPatient,
		TagGroup:   groupModality,
		TagElement: elemModality,
		Type:       index.ConstraintEqual,
		Value:      "CT",
		Mandatory:  true,
	}}, models.KindPatient)
	assert.Empty(t, mandatory)

	optional := lookup(t, idx, []index.Constraint{{
		Level:      models.KindPatient,
		TagGroup:   groupModality,
		TagElement: elemModality,
		Type:       index.ConstraintEqual,
		Value:      "CT",
	}}, models.KindPatient)
	assert.Len(t, optional, 2)
}

func TestLookupHonorsLimit(t *testing.T) {
	idx := newTestIndex(t)
	seedStudies(t, idx)

	var matches []string
	err := idx.Transaction(index.ReadOnly, nil, func(tx *index.Tx) error {
		var err error
		matches, err = tx.ApplyLookupResources(nil, models.KindPatient, 1)
		return err
	})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestNormalizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"  pat-1  ":     "PAT1",
		" a-b.c_d:1 2 ": "AB.CD12",
		"1.2.840.10008": "1.2.840.10008",
		"Hé^l.LO %_":    "HL.LO",
		"":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, index.NormalizeIdentifier(in), "%q", in)
	}
}

func TestConstraintMatchIdentifierWildcard(t *testing.T) {
	// The stored side is normalized, the pattern keeps its wildcards.
	c := index.Constraint{Type: index.ConstraintWildcard, Value: "1.2.*", Identifier: true}
	assert.True(t, c.Match("1.2.3.4"))
	assert.False(t, c.Match("1.3.4"))

	c = index.Constraint{Type: index.ConstraintEqual, Value: "pat-1", Identifier: true}
	assert.True(t, c.Match(" PAT_1 "))
}

func TestConstraintMatch(t *testing.T) {
	eq := index.Constraint{Type: index.ConstraintEqual, Value: "doe^john"}
	assert.True(t, eq.Match("DOE^JOHN"))

	caseSensitive := index.Constraint{Type: index.ConstraintEqual, Value: "doe", CaseSensitive: true}
	assert.False(t, caseSensitive.Match("DOE"))
	assert.True(t, caseSensitive.Match("doe"))

	wildcard := index.Constraint{Type: index.ConstraintWildcard, Value: "CT*"}
	assert.True(t, wildcard.Match("CTSCAN"))
	assert.False(t, wildcard.Match("MR"))

	list := index.Constraint{Type: index.ConstraintList, Values: []string{"CT", "MR"}}
	assert.True(t, list.Match("mr"))
	assert.False(t, list.Match("US"))

	ge := index.Constraint{Type: index.ConstraintGreaterOrEqual, Value: "20240101"}
	assert.True(t, ge.Match("20240102"))
	assert.False(t, ge.Match("20231231"))
}
