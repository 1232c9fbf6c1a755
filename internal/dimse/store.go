package dimse

import (
	"context"
	"fmt"

	"github.com/halcyonmed/dicom-archive/internal/errs"
)

// StoreRequest is one object pushed with C-STORE.
type StoreRequest struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string

	// Object is the data set as stored, without the part 10 preamble and
	// meta header.
	Object []byte

	// MoveOriginator identifies the C-MOVE this store executes, when any.
	MoveOriginatorAET string
	MoveOriginatorID  uint16
	HasMoveOriginator bool
}

// Store pushes one object on the association. The SOP class and transfer
// syntax must match a negotiated presentation context.
func (a *Assoc) Store(ctx context.Context, req StoreRequest) error {
	pc, ok := a.Negotiated(req.SOPClassUID)
	if !ok {
		return errs.WrapNetwork(a.remoteAET, "C-STORE",
			fmt.Errorf("SOP class %s was not negotiated", req.SOPClassUID))
	}
	if req.TransferSyntax != "" && pc.TransferSyntax != req.TransferSyntax {
		return errs.WrapNetwork(a.remoteAET, "C-STORE",
			fmt.Errorf("object uses %s but the context negotiated %s",
				req.TransferSyntax, pc.TransferSyntax))
	}

	cmd := &Command{
		Field:                  CommandCStoreRQ,
		MessageID:              a.nextMessageID(),
		AffectedSOPClassUID:    req.SOPClassUID,
		AffectedSOPInstanceUID: req.SOPInstanceUID,
		DataSetType:            DataSetPresent,
	}
	if req.HasMoveOriginator {
		cmd.SetMoveOriginator(req.MoveOriginatorAET, req.MoveOriginatorID)
	}

	if err := a.send(pc.ID, cmd, req.Object); err != nil {
		return err
	}

	reply, _, err := a.receive(ctx)
	if err != nil {
		return err
	}
	if reply.Field != CommandCStoreRSP {
		return errs.WrapNetwork(a.remoteAET, "C-STORE",
			fmt.Errorf("unexpected command 0x%04x", reply.Field))
	}
	if reply.Status != StatusSuccess {
		return errs.NewNetworkProtocol(a.remoteAET, "C-STORE", reply.Status)
	}
	return nil
}
