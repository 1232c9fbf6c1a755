package dimse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPDURoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, writePDU(&buf, pduDataTF, payload))

	p, err := readPDU(&buf)
	require.NoError(t, err)
	assert.Equal(t, pduDataTF, p.Type)
	assert.Equal(t, payload, p.Data)
}

func TestReadPDURejectsOversized(t *testing.T) {
	header := []byte{pduDataTF, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
	_, err := readPDU(bytes.NewReader(header))
	assert.ErrorContains(t, err, "sanity limit")
}

func TestReadPDURejectsTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePDU(&buf, pduDataTF, []byte{1, 2, 3, 4}))
	data := buf.Bytes()

	_, err := readPDU(bytes.NewReader(data[:len(data)-2]))
	assert.ErrorContains(t, err, "truncated")
}

func TestAssociateRQRoundTrip(t *testing.T) {
	params := associateParams{
		CalledAET:  "ARCHIVE",
		CallingAET: "WORKSTATION",
		MaxPDU:     32768,
		Proposed: []ProposedContext{
			{
				ID:               1,
				AbstractSyntax:   VerificationSOPClass,
				TransferSyntaxes: []string{ImplicitVRLittleEndian},
			},
			{
				ID:               3,
				AbstractSyntax:   StudyRootFind,
				TransferSyntaxes: []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian},
			},
		},
	}

	parsed, err := parseAssociateRQ(encodeAssociateRQ(params))
	require.NoError(t, err)

	assert.Equal(t, "ARCHIVE", parsed.CalledAET)
	assert.Equal(t, "WORKSTATION", parsed.CallingAET)
	assert.Equal(t, uint32(32768), parsed.MaxPDU)
	require.Len(t, parsed.Proposed, 2)

	assert.Equal(t, byte(1), parsed.Proposed[0].ID)
	assert.Equal(t, VerificationSOPClass, parsed.Proposed[0].AbstractSyntax)
	assert.Equal(t, []string{ImplicitVRLittleEndian}, parsed.Proposed[0].TransferSyntaxes)

	assert.Equal(t, byte(3), parsed.Proposed[1].ID)
	assert.Equal(t, []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian},
		parsed.Proposed[1].TransferSyntaxes)
}

func TestParseAssociateRQRejectsShortPDU(t *testing.T) {
	_, err := parseAssociateRQ(make([]byte, 10))
	assert.ErrorContains(t, err, "too short")
}

func TestAssociateACRoundTrip(t *testing.T) {
	accepted := []AcceptedContext{
		{ID: 1, Result: ContextAccepted, TransferSyntax: ImplicitVRLittleEndian},
		{ID: 3, Result: ContextRejectedAbstract},
	}

	contexts, maxPDU, err := parseAssociateAC(encodeAssociateAC("ARCHIVE", "WORKSTATION", accepted, 16384))
	require.NoError(t, err)

	assert.Equal(t, uint32(16384), maxPDU)
	require.Len(t, contexts, 2)
	assert.Equal(t, ContextAccepted, contexts[0].Result)
	assert.Equal(t, ImplicitVRLittleEndian, contexts[0].TransferSyntax)
	assert.Equal(t, ContextRejectedAbstract, contexts[1].Result)
	assert.Empty(t, contexts[1].TransferSyntax)
}

func TestAETPadding(t *testing.T) {
	padded := paddedAET("SCP")
	assert.Len(t, padded, 16)
	assert.Equal(t, "SCP", trimAET(padded))

	// Over-long titles truncate to the protocol limit.
	assert.Len(t, paddedAET("A_VERY_LONG_APPLICATION_ENTITY"), 16)
}

func TestWriteMessageFragmentsAndReassembles(t *testing.T) {
	command := bytes.Repeat([]byte{0xC0}, 300)
	dataset := bytes.Repeat([]byte{0xDA}, 5000)

	var buf bytes.Buffer
	// maxPDU below the floor; fragments are clamped to 1024-byte chunks.
	require.NoError(t, writeMessage(&buf, 512, 5, command, dataset))

	var fragments []pdvFragment
	for buf.Len() > 0 {
		p, err := readPDU(&buf)
		require.NoError(t, err)
		require.Equal(t, pduDataTF, p.Type)
		pdvs, err := parsePDVs(p.Data)
		require.NoError(t, err)
		fragments = append(fragments, pdvs...)
	}

	var gotCommand, gotDataset []byte
	for _, f := range fragments {
		assert.Equal(t, byte(5), f.ContextID)
		if f.IsCommand {
			gotCommand = append(gotCommand, f.Data...)
		} else {
			gotDataset = append(gotDataset, f.Data...)
		}
	}

	assert.Equal(t, command, gotCommand)
	assert.Equal(t, dataset, gotDataset)

	// The dataset spans several fragments; only the final one is flagged last.
	var lastFlags int
	for _, f := range fragments {
		if !f.IsCommand && f.IsLast {
			lastFlags++
		}
	}
	assert.Equal(t, 1, lastFlags)
	assert.True(t, len(fragments) > 2)
}

func TestWriteFragmentsEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFragments(&buf, 16384, 1, pdvCommand, nil))

	p, err := readPDU(&buf)
	require.NoError(t, err)
	pdvs, err := parsePDVs(p.Data)
	require.NoError(t, err)
	require.Len(t, pdvs, 1)
	assert.True(t, pdvs[0].IsCommand)
	assert.True(t, pdvs[0].IsLast)
	assert.Empty(t, pdvs[0].Data)
}

func TestParsePDVsRejectsMalformed(t *testing.T) {
	// Length claims more bytes than the PDU carries.
	data := []byte{0x00, 0x00, 0x00, 0xFF, 0x01, 0x03}
	_, err := parsePDVs(data)
	assert.ErrorContains(t, err, "malformed PDV")
}
