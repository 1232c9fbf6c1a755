package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU types of the upper-layer protocol.
const (
	pduAssociateRQ byte = 0x01
	pduAssociateAC byte = 0x02
	pduAssociateRJ byte = 0x03
	pduDataTF      byte = 0x04
	pduReleaseRQ   byte = 0x05
	pduReleaseRP   byte = 0x06
	pduAbort       byte = 0x07
)

// Sub-item types of the association PDUs.
const (
	itemApplicationContext  byte = 0x10
	itemPresentationCtxRQ   byte = 0x20
	itemPresentationCtxAC   byte = 0x21
	itemAbstractSyntax      byte = 0x30
	itemTransferSyntax      byte = 0x40
	itemUserInformation     byte = 0x50
	itemMaxLength           byte = 0x51
	itemImplementationClass byte = 0x52
	itemImplementationVer   byte = 0x55
)

// Presentation context results in an A-ASSOCIATE-AC.
const (
	ContextAccepted         byte = 0x00
	ContextRejectedAbstract byte = 0x03
	ContextRejectedTransfer byte = 0x04
)

type pdu struct {
	Type byte
	Data []byte
}

func readPDU(r io.Reader) (*pdu, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length > 64*1024*1024 {
		return nil, fmt.Errorf("PDU of %d bytes exceeds the sanity limit", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("truncated PDU: %w", err)
	}
	return &pdu{Type: header[0], Data: data}, nil
}

func writePDU(w io.Writer, pduType byte, data []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ProposedContext is one presentation context of an A-ASSOCIATE-RQ.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AcceptedContext is the negotiation outcome of one presentation context.
type AcceptedContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

type associateParams struct {
	CalledAET  string
	CallingAET string
	MaxPDU     uint32
	Proposed   []ProposedContext
}

func appendItem(out []byte, itemType byte, value []byte) []byte {
	out = append(out, itemType, 0x00)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(value)))
	out = append(out, length[:]...)
	return append(out, value...)
}

func paddedAET(aet string) []byte {
	if len(aet) > 16 {
		aet = aet[:16]
	}
	return []byte(fmt.Sprintf("%-16s", aet))
}

func encodeUserInformation(maxPDU uint32) []byte {
	var maxValue [4]byte
	binary.BigEndian.PutUint32(maxValue[:], maxPDU)

	var body []byte
	body = appendItem(body, itemMaxLength, maxValue[:])
	body = appendItem(body, itemImplementationClass, []byte(ImplementationClassUID))
	body = appendItem(body, itemImplementationVer, []byte(ImplementationVersion))
	return body
}

func encodeAssociateRQ(p associateParams) []byte {
	data := make([]byte, 68)
	binary.BigEndian.PutUint16(data[0:2], 0x0001)
	copy(data[4:20], paddedAET(p.CalledAET))
	copy(data[20:36], paddedAET(p.CallingAET))

	data = appendItem(data, itemApplicationContext, []byte(ApplicationContextUID))

	for _, ctx := range p.Proposed {
		var body []byte
		body = append(body, ctx.ID, 0x00, 0x00, 0x00)
		body = appendItem(body, itemAbstractSyntax, []byte(ctx.AbstractSyntax))
		for _, ts := range ctx.TransferSyntaxes {
			body = appendItem(body, itemTransferSyntax, []byte(ts))
		}
		data = appendItem(data, itemPresentationCtxRQ, body)
	}

	return appendItem(data, itemUserInformation, encodeUserInformation(p.MaxPDU))
}

func encodeAssociateAC(calledAET, callingAET string, accepted []AcceptedContext, maxPDU uint32) []byte {
	data := make([]byte, 68)
	binary.BigEndian.PutUint16(data[0:2], 0x0001)
	copy(data[4:20], paddedAET(calledAET))
	copy(data[20:36], paddedAET(callingAET))

	data = appendItem(data, itemApplicationContext, []byte(ApplicationContextUID))

	for _, ctx := range accepted {
		var body []byte
		body = append(body, ctx.ID, ctx.Result, 0x00, 0x00)
		// An accepted context carries the selected transfer syntax; a
		// rejected one carries no sub-item.
		if ctx.Result == ContextAccepted {
			body = appendItem(body, itemTransferSyntax, []byte(ctx.TransferSyntax))
		}
		data = appendItem(data, itemPresentationCtxAC, body)
	}

	return appendItem(data, itemUserInformation, encodeUserInformation(maxPDU))
}

// encodeAssociateRJ builds an A-ASSOCIATE-RJ with a permanent rejection.
func encodeAssociateRJ(reason byte) []byte {
	return []byte{0x00, 0x01, 0x01, reason}
}

func trimAET(raw []byte) string {
	value := string(raw)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

func trimUIDBytes(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

type itemWalker struct {
	data   []byte
	offset int
}

func (w *itemWalker) next() (byte, []byte, bool, error) {
	if w.offset+4 > len(w.data) {
		return 0, nil, false, nil
	}
	itemType := w.data[w.offset]
	length := int(binary.BigEndian.Uint16(w.data[w.offset+2 : w.offset+4]))
	start := w.offset + 4
	end := start + length
	if end > len(w.data) {
		return 0, nil, false, fmt.Errorf("association item 0x%02x exceeds PDU length", itemType)
	}
	w.offset = end
	return itemType, w.data[start:end], true, nil
}

func parseAssociateRQ(data []byte) (*associateParams, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("association request of %d bytes is too short", len(data))
	}

	params := &associateParams{
		CalledAET:  trimAET(data[4:20]),
		CallingAET: trimAET(data[20:36]),
		MaxPDU:     DefaultMaxPDULength,
	}

	walker := &itemWalker{data: data, offset: 68}
	for {
		itemType, value, ok, err := walker.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch itemType {
		case itemPresentationCtxRQ:
			ctx, err := parseProposedContext(value)
			if err != nil {
				return nil, err
			}
			params.Proposed = append(params.Proposed, *ctx)
		case itemUserInformation:
			if maxPDU := parseMaxLength(value); maxPDU > 0 {
				params.MaxPDU = maxPDU
			}
		}
	}
	return params, nil
}

func parseProposedContext(data []byte) (*ProposedContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context of %d bytes is too short", len(data))
	}
	ctx := &ProposedContext{ID: data[0]}

	walker := &itemWalker{data: data, offset: 4}
	for {
		itemType, value, ok, err := walker.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch itemType {
		case itemAbstractSyntax:
			ctx.AbstractSyntax = trimUIDBytes(value)
		case itemTransferSyntax:
			ctx.TransferSyntaxes = append(ctx.TransferSyntaxes, trimUIDBytes(value))
		}
	}

	if ctx.AbstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d proposes no abstract syntax", ctx.ID)
	}
	return ctx, nil
}

func parseMaxLength(data []byte) uint32 {
	walker := &itemWalker{data: data}
	for {
		itemType, value, ok, err := walker.next()
		if err != nil || !ok {
			return 0
		}
		if itemType == itemMaxLength && len(value) == 4 {
			return binary.BigEndian.Uint32(value)
		}
	}
}

func parseAssociateAC(data []byte) ([]AcceptedContext, uint32, error) {
	if len(data) < 68 {
		return nil, 0, fmt.Errorf("association accept of %d bytes is too short", len(data))
	}

	var accepted []AcceptedContext
	maxPDU := uint32(DefaultMaxPDULength)

	walker := &itemWalker{data: data, offset: 68}
	for {
		itemType, value, ok, err := walker.next()
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			break
		}
		switch itemType {
		case itemPresentationCtxAC:
			if len(value) < 4 {
				return nil, 0, fmt.Errorf("short presentation context in accept")
			}
			ctx := AcceptedContext{ID: value[0], Result: value[1]}
			inner := &itemWalker{data: value, offset: 4}
			for {
				subType, subValue, subOK, err := inner.next()
				if err != nil {
					return nil, 0, err
				}
				if !subOK {
					break
				}
				if subType == itemTransferSyntax {
					ctx.TransferSyntax = trimUIDBytes(subValue)
				}
			}
			accepted = append(accepted, ctx)
		case itemUserInformation:
			if v := parseMaxLength(value); v > 0 {
				maxPDU = v
			}
		}
	}
	return accepted, maxPDU, nil
}

// Message control header bits of a PDV.
const (
	pdvCommand      byte = 0x01
	pdvLastFragment byte = 0x02
)

// writeMessage sends a command set and its optional data set as P-DATA-TF
// PDUs, fragmenting to honor the peer's maximum PDU length.
func writeMessage(w io.Writer, maxPDU uint32, contextID byte, command, dataset []byte) error {
	if err := writeFragments(w, maxPDU, contextID, pdvCommand, command); err != nil {
		return err
	}
	if dataset != nil {
		return writeFragments(w, maxPDU, contextID, 0x00, dataset)
	}
	return nil
}

func writeFragments(w io.Writer, maxPDU uint32, contextID byte, control byte, payload []byte) error {
	// Each PDV costs 6 bytes of framing inside the PDU.
	chunk := int(maxPDU) - 6
	if chunk < 1024 {
		chunk = 1024
	}

	for first := true; first || len(payload) > 0; first = false {
		n := len(payload)
		if n > chunk {
			n = chunk
		}
		fragment := payload[:n]
		payload = payload[n:]

		header := control
		if len(payload) == 0 {
			header |= pdvLastFragment
		}

		pdv := make([]byte, 0, 6+n)
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(2+n))
		pdv = append(pdv, length[:]...)
		pdv = append(pdv, contextID, header)
		pdv = append(pdv, fragment...)

		if err := writePDU(w, pduDataTF, pdv); err != nil {
			return err
		}
		if len(payload) == 0 {
			return nil
		}
	}
	return nil
}

// pdvFragment is one PDV extracted from a P-DATA-TF PDU.
type pdvFragment struct {
	ContextID byte
	IsCommand bool
	IsLast    bool
	Data      []byte
}

func parsePDVs(data []byte) ([]pdvFragment, error) {
	var fragments []pdvFragment
	offset := 0
	for offset+6 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		start := offset + 4
		end := start + length
		if length < 2 || end > len(data) {
			return nil, fmt.Errorf("malformed PDV at offset %d", offset)
		}
		control := data[start+1]
		fragments = append(fragments, pdvFragment{
			ContextID: data[start],
			IsCommand: control&pdvCommand != 0,
			IsLast:    control&pdvLastFragment != 0,
			Data:      data[start+2 : end],
		})
		offset = end
	}
	return fragments, nil
}
