package dicomtool

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ParsedInstance is one received DICOM object together with the values the
// server indexes about it.
type ParsedInstance struct {
	Dataset dicom.Dataset
	Raw     []byte

	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntax    string
}

// Parse decodes a DICOM file and validates the tags the hierarchy needs.
// Objects missing StudyInstanceUID, SeriesInstanceUID or SOPInstanceUID are
// rejected; a missing PatientID is tolerated and indexed as the empty string.
func Parse(content []byte) (*ParsedInstance, error) {
	ds, err := dicom.Parse(bytes.NewReader(content), int64(len(content)), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBadFileFormat, err)
	}

	parsed := &ParsedInstance{Dataset: ds, Raw: content}
	parsed.PatientID, _ = ElementString(&ds, tag.PatientID)
	parsed.StudyInstanceUID, _ = ElementString(&ds, tag.StudyInstanceUID)
	parsed.SeriesInstanceUID, _ = ElementString(&ds, tag.SeriesInstanceUID)
	parsed.SOPInstanceUID, _ = ElementString(&ds, tag.SOPInstanceUID)
	parsed.SOPClassUID, _ = ElementString(&ds, tag.SOPClassUID)
	parsed.TransferSyntax, _ = ElementString(&ds, tag.TransferSyntaxUID)

	if parsed.StudyInstanceUID == "" || parsed.SeriesInstanceUID == "" || parsed.SOPInstanceUID == "" {
		return nil, fmt.Errorf("%w: missing hierarchy identifiers", errs.ErrBadFileFormat)
	}

	// A character set encoded with a binary VR cannot be trusted to decode
	// the rest of the object.
	if el, err := ds.FindElementByTag(tag.SpecificCharacterSet); err == nil {
		if _, ok := el.Value.GetValue().([]string); !ok {
			return nil, fmt.Errorf("%w: binary SpecificCharacterSet", errs.ErrBadFileFormat)
		}
	}

	return parsed, nil
}

// ElementString reads the first value of a string element, trimmed of the
// padding DICOM allows.
func ElementString(ds *dicom.Dataset, t tag.Tag) (string, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return "", false
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		if len(v) == 0 {
			return "", false
		}
		return strings.TrimSpace(strings.Trim(v[0], "\x00")), true
	case []int:
		if len(v) == 0 {
			return "", false
		}
		return fmt.Sprintf("%d", v[0]), true
	default:
		return "", false
	}
}

// ElementStrings reads every value of a string element.
func ElementStrings(ds *dicom.Dataset, t tag.Tag) []string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	values, ok := el.Value.GetValue().([]string)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.TrimSpace(strings.Trim(v, "\x00")))
	}
	return out
}

// SummaryAtLevel extracts the tag summary of one hierarchy level from the
// parsed object.
func (p *ParsedInstance) SummaryAtLevel(kind models.ResourceKind) map[tag.Tag]string {
	summary := make(map[tag.Tag]string)
	for _, t := range mainTags[kind] {
		if value, ok := ElementString(&p.Dataset, t); ok {
			summary[t] = value
		}
	}
	return summary
}
