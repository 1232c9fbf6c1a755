package dimse

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/rs/zerolog/log"
)

// ConnectParams configures an outgoing association.
type ConnectParams struct {
	LocalAET  string
	RemoteAET string
	Host      string
	Port      int
	Timeout   time.Duration
	Proposed  []ProposedContext
}

// Assoc is an established outgoing association. An Assoc is not safe for
// concurrent use; the pool hands each one to a single user at a time.
type Assoc struct {
	conn       net.Conn
	localAET   string
	remoteAET  string
	maxPDU     uint32
	byID       map[byte]AcceptedContext
	byAbstract map[string]AcceptedContext
	messageID  uint16
	timeout    time.Duration
	lastUsed   time.Time
	closed     bool
}

// Connect dials the remote application entity and negotiates the proposed
// presentation contexts. At least one context must be accepted.
func Connect(ctx context.Context, p ConnectParams) (*Assoc, error) {
	if p.Timeout == 0 {
		p.Timeout = 30 * time.Second
	}

	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", p.Host, p.Port))
	if err != nil {
		return nil, errs.WrapNetwork(p.RemoteAET, "A-ASSOCIATE", err)
	}

	a := &Assoc{
		conn:       conn,
		localAET:   p.LocalAET,
		remoteAET:  p.RemoteAET,
		maxPDU:     DefaultMaxPDULength,
		byID:       make(map[byte]AcceptedContext),
		byAbstract: make(map[string]AcceptedContext),
		timeout:    p.Timeout,
		lastUsed:   time.Now(),
	}

	request := encodeAssociateRQ(associateParams{
		CalledAET:  p.RemoteAET,
		CallingAET: p.LocalAET,
		MaxPDU:     DefaultMaxPDULength,
		Proposed:   p.Proposed,
	})

	a.deadline()
	if err := writePDU(conn, pduAssociateRQ, request); err != nil {
		conn.Close()
		return nil, errs.WrapNetwork(p.RemoteAET, "A-ASSOCIATE", err)
	}

	reply, err := readPDU(conn)
	if err != nil {
		conn.Close()
		return nil, errs.WrapNetwork(p.RemoteAET, "A-ASSOCIATE", err)
	}

	switch reply.Type {
	case pduAssociateAC:
		accepted, maxPDU, err := parseAssociateAC(reply.Data)
		if err != nil {
			conn.Close()
			return nil, errs.WrapNetwork(p.RemoteAET, "A-ASSOCIATE", err)
		}
		a.maxPDU = maxPDU

		// The accept does not repeat the abstract syntax; recover it from
		// the proposal by context id.
		proposedByID := make(map[byte]string, len(p.Proposed))
		for _, proposed := range p.Proposed {
			proposedByID[proposed.ID] = proposed.AbstractSyntax
		}
		for _, ctx := range accepted {
			if ctx.Result != ContextAccepted {
				continue
			}
			ctx.AbstractSyntax = proposedByID[ctx.ID]
			a.byID[ctx.ID] = ctx
			if _, dup := a.byAbstract[ctx.AbstractSyntax]; !dup {
				a.byAbstract[ctx.AbstractSyntax] = ctx
			}
		}
		if len(a.byID) == 0 {
			a.Abort()
			return nil, errs.WrapNetwork(p.RemoteAET, "A-ASSOCIATE",
				fmt.Errorf("every presentation context was rejected"))
		}

		log.Debug().Str("remote_aet", p.RemoteAET).Int("contexts", len(a.byID)).
			Msg("Association established")
		return a, nil

	case pduAssociateRJ:
		conn.Close()
		return nil, errs.WrapNetwork(p.RemoteAET, "A-ASSOCIATE",
			fmt.Errorf("association rejected by remote"))
	default:
		conn.Close()
		return nil, errs.WrapNetwork(p.RemoteAET, "A-ASSOCIATE",
			fmt.Errorf("unexpected PDU type 0x%02x during negotiation", reply.Type))
	}
}

func (a *Assoc) deadline() {
	if a.timeout > 0 {
		a.conn.SetDeadline(time.Now().Add(a.timeout))
	}
}

// RemoteAET returns the application entity title of the peer.
func (a *Assoc) RemoteAET() string {
	return a.remoteAET
}

// Negotiated returns the accepted context for an abstract syntax.
func (a *Assoc) Negotiated(abstractSyntax string) (AcceptedContext, bool) {
	ctx, ok := a.byAbstract[abstractSyntax]
	return ctx, ok
}

func (a *Assoc) nextMessageID() uint16 {
	a.messageID++
	if a.messageID == 0 {
		a.messageID = 1
	}
	return a.messageID
}

// send writes one DIMSE message on the association.
func (a *Assoc) send(contextID byte, cmd *Command, dataset []byte) error {
	a.deadline()
	a.lastUsed = time.Now()
	if err := writeMessage(a.conn, a.maxPDU, contextID, cmd.Encode(), dataset); err != nil {
		return errs.WrapNetwork(a.remoteAET, "P-DATA", err)
	}
	return nil
}

// receive reads one complete DIMSE message, reassembling PDV fragments.
func (a *Assoc) receive(ctx context.Context) (*Command, []byte, error) {
	var command, dataset []byte
	var parsed *Command

	for {
		if err := ctx.Err(); err != nil {
			a.Abort()
			return nil, nil, fmt.Errorf("%w: %v", errs.ErrTimeout, err)
		}

		a.deadline()
		p, err := readPDU(a.conn)
		if err != nil {
			a.closed = true
			return nil, nil, errs.WrapNetwork(a.remoteAET, "P-DATA", err)
		}

		switch p.Type {
		case pduDataTF:
			fragments, err := parsePDVs(p.Data)
			if err != nil {
				a.Abort()
				return nil, nil, errs.WrapNetwork(a.remoteAET, "P-DATA", err)
			}
			for _, f := range fragments {
				if f.IsCommand {
					command = append(command, f.Data...)
					if f.IsLast {
						parsed, err = ParseCommand(command)
						if err != nil {
							a.Abort()
							return nil, nil, errs.WrapNetwork(a.remoteAET, "P-DATA", err)
						}
						if !parsed.HasDataSet() {
							return parsed, nil, nil
						}
					}
				} else {
					dataset = append(dataset, f.Data...)
					if f.IsLast {
						if parsed == nil {
							a.Abort()
							return nil, nil, errs.WrapNetwork(a.remoteAET, "P-DATA",
								fmt.Errorf("data set received before its command set"))
						}
						return parsed, dataset, nil
					}
				}
			}
		case pduAbort:
			a.closed = true
			return nil, nil, errs.WrapNetwork(a.remoteAET, "P-DATA",
				fmt.Errorf("association aborted by remote"))
		default:
			a.Abort()
			return nil, nil, errs.WrapNetwork(a.remoteAET, "P-DATA",
				fmt.Errorf("unexpected PDU type 0x%02x", p.Type))
		}
	}
}

// Release performs the orderly release handshake and closes the socket.
func (a *Assoc) Release() error {
	if a.closed {
		return nil
	}
	a.closed = true
	defer a.conn.Close()

	a.deadline()
	if err := writePDU(a.conn, pduReleaseRQ, []byte{0x00, 0x00, 0x00, 0x00}); err != nil {
		return errs.WrapNetwork(a.remoteAET, "A-RELEASE", err)
	}
	// Swallow whatever arrives until the release reply; some peers flush
	// pending responses first.
	for i := 0; i < 16; i++ {
		p, err := readPDU(a.conn)
		if err != nil {
			return nil
		}
		if p.Type == pduReleaseRP {
			return nil
		}
	}
	return nil
}

// Abort drops the association without the release handshake.
func (a *Assoc) Abort() {
	if a.closed {
		return
	}
	a.closed = true
	writePDU(a.conn, pduAbort, []byte{0x00, 0x00, 0x00, 0x00})
	a.conn.Close()
}

// Stale reports whether the association has been idle longer than d.
func (a *Assoc) Stale(d time.Duration) bool {
	return time.Since(a.lastUsed) > d
}

// Closed reports whether the association can no longer be used.
func (a *Assoc) Closed() bool {
	return a.closed
}
