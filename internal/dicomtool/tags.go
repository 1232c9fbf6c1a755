// Package dicomtool parses received DICOM objects and derives everything the
// index stores about them: the stable public identifiers, the per-level tag
// summaries and the normalized identifier tags.
package dicomtool

import (
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// mainTags lists, per hierarchy level, the tags copied into the summary a
// query can answer without re-reading the blob.
var mainTags = map[models.ResourceKind][]tag.Tag{
	models.KindPatient: {
		tag.PatientName,
		tag.PatientID,
		tag.PatientBirthDate,
		tag.PatientSex,
	},
	models.KindStudy: {
		tag.StudyInstanceUID,
		tag.StudyDate,
		tag.StudyTime,
		tag.StudyID,
		tag.StudyDescription,
		tag.AccessionNumber,
		tag.ReferringPhysicianName,
	},
	models.KindSeries: {
		tag.SeriesInstanceUID,
		tag.SeriesNumber,
		tag.SeriesDescription,
		tag.Modality,
		tag.BodyPartExamined,
		tag.StationName,
		tag.ProtocolName,
	},
	models.KindInstance: {
		tag.SOPInstanceUID,
		tag.SOPClassUID,
		tag.InstanceNumber,
		tag.ImagePositionPatient,
		tag.NumberOfFrames,
	},
}

// identifierTags lists, per level, the tags stored in normalized form for
// hierarchical lookups.
var identifierTags = map[models.ResourceKind][]tag.Tag{
	models.KindPatient: {
		tag.PatientID,
		tag.PatientName,
		tag.PatientBirthDate,
	},
	models.KindStudy: {
		tag.StudyInstanceUID,
		tag.AccessionNumber,
		tag.StudyDescription,
		tag.StudyDate,
	},
	models.KindSeries: {
		tag.SeriesInstanceUID,
	},
	models.KindInstance: {
		tag.SOPInstanceUID,
	},
}

// MainTagsAtLevel exposes the summary tag list of one level.
func MainTagsAtLevel(kind models.ResourceKind) []tag.Tag {
	return mainTags[kind]
}

// LevelOfTag returns the hierarchy level a summary tag belongs to.
func LevelOfTag(t tag.Tag) (models.ResourceKind, bool) {
	for kind := models.KindPatient; kind <= models.KindInstance; kind++ {
		for _, candidate := range mainTags[kind] {
			if candidate == t {
				return kind, true
			}
		}
	}
	return 0, false
}

// IsIdentifierTag reports whether t is an identifier tag at the given level.
func IsIdentifierTag(kind models.ResourceKind, t tag.Tag) bool {
	for _, candidate := range identifierTags[kind] {
		if candidate == t {
			return true
		}
	}
	return false
}
