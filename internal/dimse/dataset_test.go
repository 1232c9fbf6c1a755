package dimse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildQuery() *Dataset {
	ds := NewDataset()
	ds.Set(TagQueryRetrieveLevel, "STUDY")
	ds.Set(TagPatientName, "DOE^JOHN")
	ds.Set(TagPatientID, "PAT001")
	ds.Set(TagStudyInstanceUID, "1.2.3.4.5")
	ds.Set(TagStudyDate, "20240101-20241231")
	return ds
}

func TestDatasetRoundTripImplicit(t *testing.T) {
	original := buildQuery()

	parsed, err := ParseDataset(original.Encode(ImplicitVRLittleEndian), ImplicitVRLittleEndian)
	require.NoError(t, err)

	assert.Equal(t, original.Len(), parsed.Len())
	for _, tag := range original.Tags() {
		assert.Equal(t, original.GetString(tag), parsed.GetString(tag), tag.String())
	}
}

func TestDatasetRoundTripExplicit(t *testing.T) {
	original := buildQuery()

	parsed, err := ParseDataset(original.Encode(ExplicitVRLittleEndian), ExplicitVRLittleEndian)
	require.NoError(t, err)

	assert.Equal(t, "DOE^JOHN", parsed.GetString(TagPatientName))
	assert.Equal(t, "1.2.3.4.5", parsed.GetString(TagStudyInstanceUID))
}

func TestDatasetOddValuesArePadded(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagStudyInstanceUID, "1.2.3") // 5 bytes, UI pads with NUL
	ds.Set(TagPatientName, "DOE")        // 3 bytes, PN pads with space

	encoded := ds.Encode(ImplicitVRLittleEndian)
	assert.Equal(t, 0, len(encoded)%2)

	parsed, err := ParseDataset(encoded, ImplicitVRLittleEndian)
	require.NoError(t, err)

	// Padding must not leak back into the values.
	assert.Equal(t, "1.2.3", parsed.GetString(TagStudyInstanceUID))
	assert.Equal(t, "DOE", parsed.GetString(TagPatientName))
}

func TestDatasetTagsAreOrdered(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagStudyInstanceUID, "1")
	ds.Set(TagPatientID, "2")
	ds.Set(TagQueryRetrieveLevel, "STUDY")

	tags := ds.Tags()
	require.Len(t, tags, 3)
	assert.Equal(t, TagQueryRetrieveLevel, tags[0])
	assert.Equal(t, TagPatientID, tags[1])
	assert.Equal(t, TagStudyInstanceUID, tags[2])
}

func TestDatasetSetReplacesAndDelete(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagPatientID, "A")
	ds.Set(TagPatientID, "B")
	assert.Equal(t, "B", ds.GetString(TagPatientID))
	assert.Equal(t, 1, ds.Len())

	ds.Delete(TagPatientID)
	_, ok := ds.Get(TagPatientID)
	assert.False(t, ok)
}

func TestParseDatasetRejectsOverrunningElement(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagPatientID, "PAT001")
	encoded := ds.Encode(ImplicitVRLittleEndian)

	_, err := ParseDataset(encoded[:len(encoded)-2], ImplicitVRLittleEndian)
	assert.Error(t, err)
}
