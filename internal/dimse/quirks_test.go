package dimse

import (
	"testing"

	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestFixFindQueryGeneric(t *testing.T) {
	query := NewDataset()
	query.Set(TagStudyDate, "2024*")
	query.Set(TagPatientName, "*")

	FixFindQuery(query, models.QuirkGeneric)

	assert.Equal(t, "2024*", query.GetString(TagStudyDate))
	assert.Equal(t, "*", query.GetString(TagPatientName))
}

func TestFixFindQueryNoWildcardInDates(t *testing.T) {
	query := NewDataset()
	query.Set(TagStudyDate, "2024*")
	query.Set(TagPatientBirthDate, "19800101")
	query.Set(TagPatientName, "*")

	FixFindQuery(query, models.QuirkGenericNoWildcardInDates)

	assert.Empty(t, query.GetString(TagStudyDate))
	assert.Equal(t, "19800101", query.GetString(TagPatientBirthDate))
	assert.Equal(t, "*", query.GetString(TagPatientName))
}

func TestFixFindQueryNoUniversalWildcard(t *testing.T) {
	query := NewDataset()
	query.Set(TagPatientName, "*")
	query.Set(TagStudyDescription, "CHEST*")

	FixFindQuery(query, models.QuirkGenericNoUniversalWildcard)

	assert.Empty(t, query.GetString(TagPatientName))
	assert.Equal(t, "CHEST*", query.GetString(TagStudyDescription))
}

func TestFixFindQueryGEKeepsWildcards(t *testing.T) {
	query := NewDataset()
	query.Set(TagStudyDate, "20240101-20241231")
	query.Set(TagPatientBirthDate, "1980????")
	query.Set(TagPatientName, "*")

	FixFindQuery(query, models.QuirkGE)

	// GE units take every standard construct untouched; their deviation is
	// the universal match used for missing keys, not a rewrite.
	assert.Equal(t, "20240101-20241231", query.GetString(TagStudyDate))
	assert.Equal(t, "1980????", query.GetString(TagPatientBirthDate))
	assert.Equal(t, "*", query.GetString(TagPatientName))
}

func TestUniversalMatch(t *testing.T) {
	assert.Equal(t, "*", UniversalMatch(models.QuirkGE))
	assert.Equal(t, "", UniversalMatch(models.QuirkGeneric))
	assert.Equal(t, "", UniversalMatch(models.QuirkGenericNoUniversalWildcard))
}

func TestNormalizeFindQueryDropsForeignTags(t *testing.T) {
	query := NewDataset()
	query.Set(TagPatientID, "")
	query.Set(TagAccessionNumber, "*")
	query.Set(TagModality, "CT")

	NormalizeFindQuery(query, "STUDY", models.QuirkGenericNoUniversalWildcard)

	// Modality belongs to the series level and is dropped from a study
	// query; the universal wildcard is blanked for this peer.
	_, hasModality := query.Get(TagModality)
	assert.False(t, hasModality)
	assert.Equal(t, "", query.GetString(TagAccessionNumber))
	assert.Equal(t, "", query.GetString(TagPatientID))
}

func TestNormalizeFindQueryAddsMandatoryKey(t *testing.T) {
	query := NewDataset()
	query.Set(TagPatientName, "DOE^*")
	NormalizeFindQuery(query, "study", models.QuirkGeneric)

	uid, present := query.Get(TagStudyInstanceUID)
	assert.True(t, present)
	assert.Equal(t, "", uid)

	ge := NewDataset()
	NormalizeFindQuery(ge, "PATIENT", models.QuirkGE)
	assert.Equal(t, "*", ge.GetString(TagPatientID))
}

func TestNormalizeFindQueryKeepsRetrieveKeys(t *testing.T) {
	query := NewDataset()
	query.Set(TagQueryRetrieveLevel, "SERIES")
	query.Set(TagNumberOfSeriesRelatedInstances, "")
	query.Set(TagSeriesInstanceUID, "1.2.3")

	NormalizeFindQuery(query, "SERIES", models.QuirkGeneric)

	_, hasCount := query.Get(TagNumberOfSeriesRelatedInstances)
	assert.True(t, hasCount)
	assert.Equal(t, "SERIES", query.GetString(TagQueryRetrieveLevel))
	assert.Equal(t, "1.2.3", query.GetString(TagSeriesInstanceUID))
}
