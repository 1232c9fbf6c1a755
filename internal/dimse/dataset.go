package dimse

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Tag is a DICOM attribute tag.
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Tags used by the query and retrieve services.
var (
	TagSpecificCharacterSet = Tag{0x0008, 0x0005}
	TagQueryRetrieveLevel   = Tag{0x0008, 0x0052}
	TagRetrieveAETitle      = Tag{0x0008, 0x0054}
	TagSOPClassUID          = Tag{0x0008, 0x0016}
	TagSOPInstanceUID       = Tag{0x0008, 0x0018}
	TagStudyDate            = Tag{0x0008, 0x0020}
	TagAccessionNumber      = Tag{0x0008, 0x0050}
	TagModality             = Tag{0x0008, 0x0060}
	TagStudyDescription     = Tag{0x0008, 0x1030}
	TagSeriesDescription    = Tag{0x0008, 0x103E}
	TagPatientName          = Tag{0x0010, 0x0010}
	TagPatientID            = Tag{0x0010, 0x0020}
	TagPatientBirthDate     = Tag{0x0010, 0x0030}
	TagPatientSex           = Tag{0x0010, 0x0040}
	TagStudyInstanceUID     = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID    = Tag{0x0020, 0x000E}
	TagStudyID              = Tag{0x0020, 0x0010}
	TagSeriesNumber         = Tag{0x0020, 0x0011}
	TagInstanceNumber       = Tag{0x0020, 0x0013}

	TagNumberOfStudyRelatedInstances  = Tag{0x0020, 0x1208}
	TagNumberOfSeriesRelatedInstances = Tag{0x0020, 0x1209}
)

// Element is one attribute of a query dataset. Values are kept as strings;
// multiple values are joined with the DICOM backslash separator.
type Element struct {
	Tag   Tag
	VR    string
	Value string
}

// Dataset is a flat attribute set, sufficient for the identifier datasets
// exchanged by C-FIND and C-MOVE. Full objects never pass through this type;
// they stay as raw byte streams.
type Dataset struct {
	elements map[Tag]Element
}

func NewDataset() *Dataset {
	return &Dataset{elements: make(map[Tag]Element)}
}

// Set stores one attribute, replacing any previous value.
func (d *Dataset) Set(t Tag, value string) {
	d.elements[t] = Element{Tag: t, VR: vrOf(t), Value: value}
}

// Get returns the attribute value, trimmed.
func (d *Dataset) Get(t Tag) (string, bool) {
	el, ok := d.elements[t]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(el.Value), true
}

// GetString returns the attribute value or the empty string.
func (d *Dataset) GetString(t Tag) string {
	value, _ := d.Get(t)
	return value
}

// Delete removes one attribute.
func (d *Dataset) Delete(t Tag) {
	delete(d.elements, t)
}

// Tags lists the present tags in ascending order.
func (d *Dataset) Tags() []Tag {
	tags := make([]Tag, 0, len(d.elements))
	for t := range d.elements {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})
	return tags
}

// Len returns the number of attributes.
func (d *Dataset) Len() int {
	return len(d.elements)
}

// Encode serializes the dataset under the given transfer syntax. Only
// Implicit and Explicit VR Little Endian are supported; anything else falls
// back to Explicit VR Little Endian, which every peer must accept.
func (d *Dataset) Encode(transferSyntax string) []byte {
	implicit := transferSyntax == ImplicitVRLittleEndian

	var out []byte
	for _, t := range d.Tags() {
		el := d.elements[t]
		value := []byte(strings.TrimRight(el.Value, "\x00"))
		if len(value)%2 == 1 {
			if el.VR == "UI" {
				value = append(value, 0x00)
			} else {
				value = append(value, ' ')
			}
		}

		var header [8]byte
		binary.LittleEndian.PutUint16(header[0:2], t.Group)
		binary.LittleEndian.PutUint16(header[2:4], t.Element)
		if implicit {
			binary.LittleEndian.PutUint32(header[4:8], uint32(len(value)))
			out = append(out, header[:]...)
		} else {
			copy(header[4:6], el.VR)
			binary.LittleEndian.PutUint16(header[6:8], uint16(len(value)))
			out = append(out, header[:]...)
		}
		out = append(out, value...)
	}
	return out
}

// ParseDataset decodes a dataset under the given transfer syntax.
func ParseDataset(data []byte, transferSyntax string) (*Dataset, error) {
	implicit := transferSyntax == ImplicitVRLittleEndian

	ds := NewDataset()
	offset := 0
	for offset+8 <= len(data) {
		t := Tag{
			Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
			Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
		}

		var length int
		var valueStart int
		vr := vrOf(t)
		if implicit {
			length = int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
			valueStart = offset + 8
		} else {
			vr = string(data[offset+4 : offset+6])
			if isLongVR(vr) {
				if offset+12 > len(data) {
					return nil, fmt.Errorf("truncated element %s", t)
				}
				length = int(binary.LittleEndian.Uint32(data[offset+8 : offset+12]))
				valueStart = offset + 12
			} else {
				length = int(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
				valueStart = offset + 8
			}
		}

		if length < 0 || valueStart+length > len(data) {
			return nil, fmt.Errorf("element %s exceeds dataset length", t)
		}

		value := strings.TrimRight(string(data[valueStart:valueStart+length]), "\x00 ")
		ds.elements[t] = Element{Tag: t, VR: vr, Value: value}

		offset = valueStart + length
	}
	return ds, nil
}

func isLongVR(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "UC", "UN", "UR", "UT":
		return true
	default:
		return false
	}
}

// vrOf resolves the value representation of the tags the query services
// exchange. Unknown tags encode as LO, which the matching peers tolerate for
// string attributes.
func vrOf(t Tag) string {
	switch t {
	case TagSpecificCharacterSet, TagQueryRetrieveLevel, TagModality, TagPatientSex:
		return "CS"
	case TagSOPClassUID, TagSOPInstanceUID, TagStudyInstanceUID, TagSeriesInstanceUID:
		return "UI"
	case TagStudyDate, TagPatientBirthDate:
		return "DA"
	case TagAccessionNumber, TagStudyID:
		return "SH"
	case TagRetrieveAETitle:
		return "AE"
	case TagPatientName:
		return "PN"
	case TagSeriesNumber, TagInstanceNumber,
		TagNumberOfStudyRelatedInstances, TagNumberOfSeriesRelatedInstances:
		return "IS"
	case TagStudyDescription, TagSeriesDescription, TagPatientID:
		return "LO"
	default:
		return "LO"
	}
}
