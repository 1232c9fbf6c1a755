package dicomtool

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/halcyonmed/dicom-archive/internal/models"
)

// Hasher derives the stable public identifiers of the four hierarchy levels
// of one object. Two objects agreeing on the underlying DICOM identifiers
// always map to the same public ids, on any server.
type Hasher struct {
	patientID string
	studyUID  string
	seriesUID string
	sopUID    string
}

// NewHasher builds a Hasher from the identifiers of a parsed object.
func NewHasher(p *ParsedInstance) Hasher {
	return Hasher{
		patientID: p.PatientID,
		studyUID:  p.StudyInstanceUID,
		seriesUID: p.SeriesInstanceUID,
		sopUID:    p.SOPInstanceUID,
	}
}

// PublicID returns the public id of the object's resource at one level.
func (h Hasher) PublicID(kind models.ResourceKind) string {
	switch kind {
	case models.KindPatient:
		return hashOf(h.patientID)
	case models.KindStudy:
		return hashOf(h.patientID, h.studyUID)
	case models.KindSeries:
		return hashOf(h.patientID, h.studyUID, h.seriesUID)
	default:
		return hashOf(h.patientID, h.studyUID, h.seriesUID, h.sopUID)
	}
}

// hashOf hashes the joined components and formats the digest as five dashed
// groups of eight hex digits.
func hashOf(components ...string) string {
	sum := sha1.Sum([]byte(strings.Join(components, "|")))
	hexed := hex.EncodeToString(sum[:])

	parts := make([]string, 0, 5)
	for i := 0; i < len(hexed); i += 8 {
		parts = append(parts, hexed[i:i+8])
	}
	return strings.Join(parts, "-")
}
