package dicomtool

import (
	"encoding/binary"
	"fmt"

	"github.com/halcyonmed/dicom-archive/internal/errs"
)

// AddMetaHeader wraps a bare dataset received over the network into a
// storable DICOM file: preamble, DICM prefix and the group 0002 file meta
// information, encoded in explicit VR little endian.
func AddMetaHeader(object []byte, sopClassUID, sopInstanceUID, transferSyntax, implementationUID, implementationVersion string) []byte {
	var meta []byte
	meta = appendMetaShort(meta, 0x0002, "OB", []byte{0x00, 0x01})
	meta = appendMetaString(meta, 0x0002, "UI", sopClassUID)
	meta = appendMetaString(meta, 0x0003, "UI", sopInstanceUID)
	meta = appendMetaString(meta, 0x0010, "UI", transferSyntax)
	meta = appendMetaString(meta, 0x0012, "UI", implementationUID)
	meta = appendMetaString(meta, 0x0013, "SH", implementationVersion)

	var groupLength [4]byte
	binary.LittleEndian.PutUint32(groupLength[:], uint32(len(meta)))

	out := make([]byte, 0, 132+12+len(meta)+len(object))
	out = append(out, make([]byte, 128)...)
	out = append(out, "DICM"...)
	out = appendMetaShort(out, 0x0000, "UL", groupLength[:])
	out = append(out, meta...)
	return append(out, object...)
}

func appendMetaString(out []byte, element uint16, vr, value string) []byte {
	padded := []byte(value)
	if len(padded)%2 == 1 {
		if vr == "UI" {
			padded = append(padded, 0x00)
		} else {
			padded = append(padded, ' ')
		}
	}
	return appendMetaShort(out, element, vr, padded)
}

// appendMetaShort encodes one group 0002 element. OB takes the long explicit
// VR form; the other meta VRs take the short one.
func appendMetaShort(out []byte, element uint16, vr string, value []byte) []byte {
	var header [12]byte
	binary.LittleEndian.PutUint16(header[0:2], 0x0002)
	binary.LittleEndian.PutUint16(header[2:4], element)
	copy(header[4:6], vr)
	if vr == "OB" {
		binary.LittleEndian.PutUint32(header[8:12], uint32(len(value)))
		out = append(out, header[:12]...)
	} else {
		binary.LittleEndian.PutUint16(header[6:8], uint16(len(value)))
		out = append(out, header[:8]...)
	}
	return append(out, value...)
}

// StripMetaHeader removes the file preamble and the group 0002 file meta
// information from a stored DICOM file, leaving the bare dataset a network
// transfer carries. The meta header is always encoded in explicit VR little
// endian.
func StripMetaHeader(content []byte) ([]byte, error) {
	const preamble = 128
	if len(content) < preamble+4 || string(content[preamble:preamble+4]) != "DICM" {
		return nil, fmt.Errorf("%w: missing DICM prefix", errs.ErrBadFileFormat)
	}

	pos := preamble + 4
	for pos+8 <= len(content) {
		group := binary.LittleEndian.Uint16(content[pos:])
		if group != 0x0002 {
			return content[pos:], nil
		}
		vr := string(content[pos+4 : pos+6])

		var length, header int
		switch vr {
		case "OB", "OW", "OF", "SQ", "UT", "UN":
			if pos+12 > len(content) {
				return nil, fmt.Errorf("%w: truncated meta header", errs.ErrBadFileFormat)
			}
			length = int(binary.LittleEndian.Uint32(content[pos+8:]))
			header = 12
		default:
			length = int(binary.LittleEndian.Uint16(content[pos+6:]))
			header = 8
		}

		pos += header + length
		if pos > len(content) {
			return nil, fmt.Errorf("%w: truncated meta header", errs.ErrBadFileFormat)
		}
	}
	return nil, fmt.Errorf("%w: no dataset after meta header", errs.ErrBadFileFormat)
}
