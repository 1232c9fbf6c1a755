package dicomtool

import (
	"testing"

	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func TestLevelOfTag(t *testing.T) {
	kind, ok := LevelOfTag(tag.PatientName)
	assert.True(t, ok)
	assert.Equal(t, models.KindPatient, kind)

	kind, ok = LevelOfTag(tag.StudyInstanceUID)
	assert.True(t, ok)
	assert.Equal(t, models.KindStudy, kind)

	kind, ok = LevelOfTag(tag.Modality)
	assert.True(t, ok)
	assert.Equal(t, models.KindSeries, kind)

	kind, ok = LevelOfTag(tag.SOPInstanceUID)
	assert.True(t, ok)
	assert.Equal(t, models.KindInstance, kind)

	_, ok = LevelOfTag(tag.PixelData)
	assert.False(t, ok)
}

func TestIsIdentifierTag(t *testing.T) {
	assert.True(t, IsIdentifierTag(models.KindPatient, tag.PatientID))
	assert.True(t, IsIdentifierTag(models.KindStudy, tag.AccessionNumber))
	assert.True(t, IsIdentifierTag(models.KindSeries, tag.SeriesInstanceUID))
	assert.True(t, IsIdentifierTag(models.KindInstance, tag.SOPInstanceUID))

	// Summary tags are not all identifiers.
	assert.False(t, IsIdentifierTag(models.KindPatient, tag.PatientSex))
	assert.False(t, IsIdentifierTag(models.KindSeries, tag.Modality))
}

func TestMainTagsAtLevel(t *testing.T) {
	for kind := models.KindPatient; kind <= models.KindInstance; kind++ {
		assert.NotEmpty(t, MainTagsAtLevel(kind))
	}
}
