package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Command fields of the DIMSE services the archive implements.
const (
	CommandCStoreRQ  uint16 = 0x0001
	CommandCStoreRSP uint16 = 0x8001
	CommandCFindRQ   uint16 = 0x0020
	CommandCFindRSP  uint16 = 0x8020
	CommandCMoveRQ   uint16 = 0x0021
	CommandCMoveRSP  uint16 = 0x8021
	CommandCEchoRQ   uint16 = 0x0030
	CommandCEchoRSP  uint16 = 0x8030
	CommandCCancelRQ uint16 = 0x0FFF
)

// DIMSE statuses.
const (
	StatusSuccess                uint16 = 0x0000
	StatusCancel                 uint16 = 0xFE00
	StatusPending                uint16 = 0xFF00
	StatusPendingWarning         uint16 = 0xFF01
	StatusOutOfResources         uint16 = 0xA700
	StatusMoveDestinationUnknown uint16 = 0xA801
	StatusIdentifierError        uint16 = 0xA900
	StatusCannotUnderstand       uint16 = 0xC000
)

// IsPending reports whether status announces more responses to come.
func IsPending(status uint16) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// DataSetType values of the Command Data Set Type element.
const (
	DataSetPresent uint16 = 0x0000
	DataSetAbsent  uint16 = 0x0101
)

// Command is a parsed DIMSE command set.
type Command struct {
	Field                     uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	DataSetType               uint16
	Status                    uint16
	Priority                  uint16
	MoveDestination           string
	MoveOriginatorAET         string
	MoveOriginatorID          uint16

	NumberOfRemainingSubOps uint16
	NumberOfCompletedSubOps uint16
	NumberOfFailedSubOps    uint16
	NumberOfWarningSubOps   uint16

	hasMoveOriginatorID bool
	hasSubOpCounts      bool
}

// SetMoveOriginator records the originator identity forwarded with the
// sub-operations of a C-MOVE.
func (c *Command) SetMoveOriginator(aet string, messageID uint16) {
	c.MoveOriginatorAET = aet
	c.MoveOriginatorID = messageID
	c.hasMoveOriginatorID = true
}

// SetSubOpCounts records the progress counters of a C-MOVE response.
func (c *Command) SetSubOpCounts(remaining, completed, failed, warning uint16) {
	c.NumberOfRemainingSubOps = remaining
	c.NumberOfCompletedSubOps = completed
	c.NumberOfFailedSubOps = failed
	c.NumberOfWarningSubOps = warning
	c.hasSubOpCounts = true
}

// HasDataSet reports whether a data set follows the command set.
func (c *Command) HasDataSet() bool {
	return c.DataSetType != DataSetAbsent
}

// IsResponse reports whether the command is a response primitive.
func (c *Command) IsResponse() bool {
	return c.Field&0x8000 != 0
}

// Encode serializes the command set. Command sets are always Implicit VR
// Little Endian, whatever the negotiated transfer syntax.
func (c *Command) Encode() []byte {
	var body []byte

	if c.AffectedSOPClassUID != "" {
		body = appendString(body, 0x0002, c.AffectedSOPClassUID)
	}
	body = appendUint16(body, 0x0100, c.Field)
	if c.IsResponse() || c.Field == CommandCCancelRQ {
		body = appendUint16(body, 0x0120, c.MessageIDBeingRespondedTo)
	} else {
		body = appendUint16(body, 0x0110, c.MessageID)
	}
	if c.Field == CommandCStoreRQ || c.Field == CommandCFindRQ || c.Field == CommandCMoveRQ {
		body = appendUint16(body, 0x0700, c.Priority)
	}
	if c.MoveDestination != "" {
		body = appendString(body, 0x0600, c.MoveDestination)
	}
	body = appendUint16(body, 0x0800, c.DataSetType)
	if c.IsResponse() {
		body = appendUint16(body, 0x0900, c.Status)
	}
	if c.hasSubOpCounts {
		body = appendUint16(body, 0x1020, c.NumberOfRemainingSubOps)
		body = appendUint16(body, 0x1021, c.NumberOfCompletedSubOps)
		body = appendUint16(body, 0x1022, c.NumberOfFailedSubOps)
		body = appendUint16(body, 0x1023, c.NumberOfWarningSubOps)
	}
	if c.AffectedSOPInstanceUID != "" {
		body = appendString(body, 0x1000, c.AffectedSOPInstanceUID)
	}
	if c.MoveOriginatorAET != "" {
		body = appendString(body, 0x1030, c.MoveOriginatorAET)
	}
	if c.hasMoveOriginatorID {
		body = appendUint16(body, 0x1031, c.MoveOriginatorID)
	}

	// Command Group Length (0000,0000) prefixes the group.
	var out []byte
	out = appendUint32(out, 0x0000, uint32(len(body)))
	return append(out, body...)
}

// ParseCommand decodes a command set.
func ParseCommand(data []byte) (*Command, error) {
	cmd := &Command{DataSetType: DataSetAbsent}

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		valueStart := offset + 8
		if length < 0 || valueStart+length > len(data) {
			return nil, fmt.Errorf("command element (%04x,%04x) exceeds message length", group, element)
		}
		value := data[valueStart : valueStart+length]

		if group == 0x0000 {
			switch element {
			case 0x0002:
				cmd.AffectedSOPClassUID = trimUID(value)
			case 0x0100:
				cmd.Field = readUint16(value)
			case 0x0110:
				cmd.MessageID = readUint16(value)
			case 0x0120:
				cmd.MessageIDBeingRespondedTo = readUint16(value)
			case 0x0600:
				cmd.MoveDestination = trimUID(value)
			case 0x0700:
				cmd.Priority = readUint16(value)
			case 0x0800:
				cmd.DataSetType = readUint16(value)
			case 0x0900:
				cmd.Status = readUint16(value)
			case 0x1000:
				cmd.AffectedSOPInstanceUID = trimUID(value)
			case 0x1020:
				cmd.NumberOfRemainingSubOps = readUint16(value)
				cmd.hasSubOpCounts = true
			case 0x1021:
				cmd.NumberOfCompletedSubOps = readUint16(value)
			case 0x1022:
				cmd.NumberOfFailedSubOps = readUint16(value)
			case 0x1023:
				cmd.NumberOfWarningSubOps = readUint16(value)
			case 0x1030:
				cmd.MoveOriginatorAET = trimUID(value)
			case 0x1031:
				cmd.MoveOriginatorID = readUint16(value)
				cmd.hasMoveOriginatorID = true
			}
		}

		offset = valueStart + length
	}

	if cmd.Field == 0 {
		return nil, fmt.Errorf("command set without a command field")
	}
	return cmd, nil
}

func appendUint16(out []byte, element uint16, value uint16) []byte {
	var header [8]byte
	binary.LittleEndian.PutUint16(header[2:4], element)
	binary.LittleEndian.PutUint32(header[4:8], 2)
	out = append(out, header[:]...)
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], value)
	return append(out, v[:]...)
}

func appendUint32(out []byte, element uint16, value uint32) []byte {
	var header [8]byte
	binary.LittleEndian.PutUint16(header[2:4], element)
	binary.LittleEndian.PutUint32(header[4:8], 4)
	out = append(out, header[:]...)
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], value)
	return append(out, v[:]...)
}

func appendString(out []byte, element uint16, value string) []byte {
	encoded := []byte(value)
	if len(encoded)%2 == 1 {
		encoded = append(encoded, 0x00)
	}
	var header [8]byte
	binary.LittleEndian.PutUint16(header[2:4], element)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(encoded)))
	out = append(out, header[:]...)
	return append(out, encoded...)
}

func readUint16(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value)
}

func trimUID(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}
