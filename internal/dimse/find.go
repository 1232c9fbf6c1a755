package dimse

import (
	"context"
	"fmt"

	"github.com/halcyonmed/dicom-archive/internal/errs"
)

// Find performs a C-FIND against the given information model and streams
// every pending match to onMatch. A non-nil error from onMatch cancels the
// operation.
func (a *Assoc) Find(ctx context.Context, sopClass string, query *Dataset, onMatch func(*Dataset) error) error {
	pc, ok := a.Negotiated(sopClass)
	if !ok {
		return errs.WrapNetwork(a.remoteAET, "C-FIND",
			fmt.Errorf("information model %s was not negotiated", sopClass))
	}

	cmd := &Command{
		Field:               CommandCFindRQ,
		MessageID:           a.nextMessageID(),
		AffectedSOPClassUID: sopClass,
		DataSetType:         DataSetPresent,
	}
	if err := a.send(pc.ID, cmd, query.Encode(pc.TransferSyntax)); err != nil {
		return err
	}

	for {
		reply, payload, err := a.receive(ctx)
		if err != nil {
			return err
		}
		if reply.Field != CommandCFindRSP {
			return errs.WrapNetwork(a.remoteAET, "C-FIND",
				fmt.Errorf("unexpected command 0x%04x", reply.Field))
		}

		if IsPending(reply.Status) {
			match, err := ParseDataset(payload, pc.TransferSyntax)
			if err != nil {
				return errs.WrapNetwork(a.remoteAET, "C-FIND", err)
			}
			if err := onMatch(match); err != nil {
				a.cancel(pc.ID, cmd.MessageID)
				return err
			}
			continue
		}

		if reply.Status == StatusSuccess {
			return nil
		}
		return errs.NewNetworkProtocol(a.remoteAET, "C-FIND", reply.Status)
	}
}

// cancel sends a best-effort C-CANCEL for an in-flight operation.
func (a *Assoc) cancel(contextID byte, messageID uint16) {
	cmd := &Command{
		Field:                     CommandCCancelRQ,
		MessageIDBeingRespondedTo: messageID,
		DataSetType:               DataSetAbsent,
	}
	a.send(contextID, cmd, nil)
}
