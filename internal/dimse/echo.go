package dimse

import (
	"context"
	"fmt"

	"github.com/halcyonmed/dicom-archive/internal/errs"
)

// Echo performs a C-ECHO on the association.
func (a *Assoc) Echo(ctx context.Context) error {
	pc, ok := a.Negotiated(VerificationSOPClass)
	if !ok {
		return errs.WrapNetwork(a.remoteAET, "C-ECHO",
			fmt.Errorf("verification SOP class was not negotiated"))
	}

	cmd := &Command{
		Field:               CommandCEchoRQ,
		MessageID:           a.nextMessageID(),
		AffectedSOPClassUID: VerificationSOPClass,
		DataSetType:         DataSetAbsent,
	}
	if err := a.send(pc.ID, cmd, nil); err != nil {
		return err
	}

	reply, _, err := a.receive(ctx)
	if err != nil {
		return err
	}
	if reply.Field != CommandCEchoRSP || reply.Status != StatusSuccess {
		return errs.NewNetworkProtocol(a.remoteAET, "C-ECHO", reply.Status)
	}
	return nil
}
