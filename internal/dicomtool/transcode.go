package dicomtool

import (
	"encoding/binary"
	"fmt"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	implicitVRLittleEndian = "1.2.840.10008.1.2"
	explicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// longVRs take the 12-byte explicit element header with a 32-bit length.
var longVRs = map[string]bool{
	"OB": true, "OW": true, "OF": true, "SQ": true, "UT": true, "UN": true,
}

const undefinedLength = 0xFFFFFFFF

func isLittleEndian(syntax string) bool {
	return syntax == implicitVRLittleEndian || syntax == explicitVRLittleEndian
}

// Transcode re-encodes a bare dataset into one of the allowed transfer
// syntaxes. A dataset already encoded in an allowed syntax passes through
// untouched. Only the two little endian syntaxes can be rewritten; anything
// else, and datasets carrying undefined-length elements, return
// ErrNotImplemented so the caller can renegotiate instead of corrupting the
// object.
func Transcode(object []byte, current string, allowed []string) ([]byte, string, error) {
	for _, syntax := range allowed {
		if syntax == current {
			return object, current, nil
		}
	}

	var target string
	for _, syntax := range allowed {
		if isLittleEndian(syntax) {
			target = syntax
			break
		}
	}
	if target == "" || !isLittleEndian(current) {
		return nil, "", fmt.Errorf("%w: cannot transcode %s into %v", errs.ErrNotImplemented, current, allowed)
	}

	out := make([]byte, 0, len(object))
	pos := 0
	for pos < len(object) {
		if pos+8 > len(object) {
			return nil, "", fmt.Errorf("%w: truncated element", errs.ErrBadFileFormat)
		}
		group := binary.LittleEndian.Uint16(object[pos:])
		element := binary.LittleEndian.Uint16(object[pos+2:])

		var vr string
		var length uint32
		var header int
		if current == explicitVRLittleEndian {
			vr = string(object[pos+4 : pos+6])
			if longVRs[vr] {
				if pos+12 > len(object) {
					return nil, "", fmt.Errorf("%w: truncated element", errs.ErrBadFileFormat)
				}
				length = binary.LittleEndian.Uint32(object[pos+8:])
				header = 12
			} else {
				length = uint32(binary.LittleEndian.Uint16(object[pos+6:]))
				header = 8
			}
		} else {
			length = binary.LittleEndian.Uint32(object[pos+4:])
			header = 8
			vr = vrOfTag(group, element)
		}

		if length == undefinedLength {
			return nil, "", fmt.Errorf("%w: undefined-length element (%04x,%04x)", errs.ErrNotImplemented, group, element)
		}
		end := pos + header + int(length)
		if end > len(object) {
			return nil, "", fmt.Errorf("%w: element (%04x,%04x) exceeds dataset", errs.ErrBadFileFormat, group, element)
		}
		value := object[pos+header : end]

		var tagBytes [4]byte
		binary.LittleEndian.PutUint16(tagBytes[0:2], group)
		binary.LittleEndian.PutUint16(tagBytes[2:4], element)
		out = append(out, tagBytes[:]...)

		if target == implicitVRLittleEndian {
			var lenBytes [4]byte
			binary.LittleEndian.PutUint32(lenBytes[:], length)
			out = append(out, lenBytes[:]...)
		} else {
			// A value too large for the 16-bit short form falls back to UN.
			if !longVRs[vr] && length > 0xFFFF {
				vr = "UN"
			}
			out = append(out, vr...)
			if longVRs[vr] {
				var lenBytes [6]byte
				binary.LittleEndian.PutUint32(lenBytes[2:6], length)
				out = append(out, lenBytes[:]...)
			} else {
				var lenBytes [2]byte
				binary.LittleEndian.PutUint16(lenBytes[:], uint16(length))
				out = append(out, lenBytes[:]...)
			}
		}
		out = append(out, value...)
		pos = end
	}
	return out, target, nil
}

// vrOfTag resolves the dictionary VR of a tag, UN when unknown.
func vrOfTag(group, element uint16) string {
	info, err := tag.Find(tag.Tag{Group: group, Element: element})
	if err == nil && len(info.VRs) > 0 && len(info.VRs[0]) == 2 {
		return info.VRs[0]
	}
	return "UN"
}
