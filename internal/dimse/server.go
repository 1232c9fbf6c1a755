package dimse

import (
	"fmt"
	"net"
	"sort"
	"time"
)

// AcceptOptions controls how an incoming association is negotiated.
type AcceptOptions struct {
	// AET is the application entity title this server answers to. An empty
	// CheckCalledAET accepts any called title.
	AET            string
	CheckCalledAET bool
	MaxPDU         uint32
	Timeout        time.Duration

	// IsAcceptedAbstract decides which abstract syntaxes to accept beyond
	// the built-in verification and query/retrieve models.
	IsAcceptedAbstract func(uid string) bool
}

// ServerAssoc is the server side of one established association.
type ServerAssoc struct {
	conn       net.Conn
	callingAET string
	calledAET  string
	maxPDU     uint32
	byID       map[byte]AcceptedContext
	timeout    time.Duration
}

// Accept runs the association negotiation on an incoming connection.
func Accept(conn net.Conn, opts AcceptOptions) (*ServerAssoc, error) {
	if opts.MaxPDU == 0 {
		opts.MaxPDU = DefaultMaxPDULength
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	conn.SetDeadline(time.Now().Add(opts.Timeout))
	p, err := readPDU(conn)
	if err != nil {
		return nil, fmt.Errorf("reading association request: %w", err)
	}
	if p.Type != pduAssociateRQ {
		return nil, fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type 0x%02x", p.Type)
	}

	params, err := parseAssociateRQ(p.Data)
	if err != nil {
		return nil, err
	}

	if opts.CheckCalledAET && params.CalledAET != opts.AET {
		writePDU(conn, pduAssociateRJ, encodeAssociateRJ(0x07))
		return nil, fmt.Errorf("called AET %q does not match %q", params.CalledAET, opts.AET)
	}

	a := &ServerAssoc{
		conn:       conn,
		callingAET: params.CallingAET,
		calledAET:  params.CalledAET,
		maxPDU:     params.MaxPDU,
		byID:       make(map[byte]AcceptedContext),
		timeout:    opts.Timeout,
	}

	accepted := negotiate(params.Proposed, opts.IsAcceptedAbstract)
	for _, ctx := range accepted {
		if ctx.Result == ContextAccepted {
			a.byID[ctx.ID] = ctx
		}
	}
	if len(a.byID) == 0 {
		writePDU(conn, pduAssociateRJ, encodeAssociateRJ(0x02))
		return nil, fmt.Errorf("no acceptable presentation context from %s", params.CallingAET)
	}

	reply := encodeAssociateAC(params.CalledAET, params.CallingAET, accepted, opts.MaxPDU)
	if err := writePDU(conn, pduAssociateAC, reply); err != nil {
		return nil, fmt.Errorf("sending association accept: %w", err)
	}
	return a, nil
}

// negotiate selects one transfer syntax per acceptable proposed context.
func negotiate(proposed []ProposedContext, isAccepted func(string) bool) []AcceptedContext {
	out := make([]AcceptedContext, 0, len(proposed))
	for _, ctx := range proposed {
		result := AcceptedContext{ID: ctx.ID, AbstractSyntax: ctx.AbstractSyntax}

		if !abstractSupported(ctx.AbstractSyntax, isAccepted) {
			result.Result = ContextRejectedAbstract
			out = append(out, result)
			continue
		}

		result.Result = ContextRejectedTransfer
		for _, ts := range ctx.TransferSyntaxes {
			if ts == ExplicitVRLittleEndian || ts == ImplicitVRLittleEndian {
				result.Result = ContextAccepted
				result.TransferSyntax = ts
				break
			}
		}
		out = append(out, result)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func abstractSupported(uid string, isAccepted func(string) bool) bool {
	switch uid {
	case VerificationSOPClass, PatientRootFind, StudyRootFind, PatientRootMove, StudyRootMove:
		return true
	}
	if IsStorageSOPClass(uid) {
		return true
	}
	return isAccepted != nil && isAccepted(uid)
}

// CallingAET returns the remote's application entity title.
func (a *ServerAssoc) CallingAET() string { return a.callingAET }

// CalledAET returns the title the remote addressed.
func (a *ServerAssoc) CalledAET() string { return a.calledAET }

// Context returns the accepted presentation context with the given id.
func (a *ServerAssoc) Context(id byte) (AcceptedContext, bool) {
	ctx, ok := a.byID[id]
	return ctx, ok
}

// NextMessage reads the next complete DIMSE message. It returns io.EOF-like
// termination through errReleased when the remote releases the association.
func (a *ServerAssoc) NextMessage() (*Command, []byte, byte, error) {
	var command, dataset []byte
	var parsed *Command
	var contextID byte

	for {
		a.conn.SetDeadline(time.Now().Add(a.timeout))
		p, err := readPDU(a.conn)
		if err != nil {
			return nil, nil, 0, err
		}

		switch p.Type {
		case pduDataTF:
			fragments, err := parsePDVs(p.Data)
			if err != nil {
				return nil, nil, 0, err
			}
			for _, f := range fragments {
				contextID = f.ContextID
				if f.IsCommand {
					command = append(command, f.Data...)
					if f.IsLast {
						parsed, err = ParseCommand(command)
						if err != nil {
							return nil, nil, 0, err
						}
						if !parsed.HasDataSet() {
							return parsed, nil, contextID, nil
						}
					}
				} else {
					dataset = append(dataset, f.Data...)
					if f.IsLast {
						if parsed == nil {
							return nil, nil, 0, fmt.Errorf("data set received before its command set")
						}
						return parsed, dataset, contextID, nil
					}
				}
			}
		case pduReleaseRQ:
			writePDU(a.conn, pduReleaseRP, []byte{0x00, 0x00, 0x00, 0x00})
			return nil, nil, 0, ErrReleased
		case pduAbort:
			return nil, nil, 0, ErrAborted
		default:
			return nil, nil, 0, fmt.Errorf("unexpected PDU type 0x%02x", p.Type)
		}
	}
}

// SendResponse writes one DIMSE response on the association.
func (a *ServerAssoc) SendResponse(contextID byte, cmd *Command, dataset []byte) error {
	a.conn.SetDeadline(time.Now().Add(a.timeout))
	return writeMessage(a.conn, a.maxPDU, contextID, cmd.Encode(), dataset)
}

// Abort drops the association.
func (a *ServerAssoc) Abort() {
	writePDU(a.conn, pduAbort, []byte{0x00, 0x00, 0x00, 0x00})
}

// Termination sentinels of the server message loop.
var (
	ErrReleased = fmt.Errorf("association released")
	ErrAborted  = fmt.Errorf("association aborted")
)
