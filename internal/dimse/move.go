package dimse

import (
	"context"
	"fmt"

	"github.com/halcyonmed/dicom-archive/internal/errs"
)

// MoveResult reports the sub-operation counters of a completed C-MOVE.
type MoveResult struct {
	Completed uint16
	Failed    uint16
	Warning   uint16
}

// Move asks the remote to push the matching objects to targetAET. onProgress
// may be nil; it receives the remaining count of each pending response.
func (a *Assoc) Move(ctx context.Context, sopClass, targetAET string, query *Dataset, onProgress func(remaining uint16)) (MoveResult, error) {
	pc, ok := a.Negotiated(sopClass)
	if !ok {
		return MoveResult{}, errs.WrapNetwork(a.remoteAET, "C-MOVE",
			fmt.Errorf("information model %s was not negotiated", sopClass))
	}

	cmd := &Command{
		Field:               CommandCMoveRQ,
		MessageID:           a.nextMessageID(),
		AffectedSOPClassUID: sopClass,
		MoveDestination:     targetAET,
		DataSetType:         DataSetPresent,
	}
	if err := a.send(pc.ID, cmd, query.Encode(pc.TransferSyntax)); err != nil {
		return MoveResult{}, err
	}

	for {
		reply, _, err := a.receive(ctx)
		if err != nil {
			return MoveResult{}, err
		}
		if reply.Field != CommandCMoveRSP {
			return MoveResult{}, errs.WrapNetwork(a.remoteAET, "C-MOVE",
				fmt.Errorf("unexpected command 0x%04x", reply.Field))
		}

		if IsPending(reply.Status) {
			if onProgress != nil {
				onProgress(reply.NumberOfRemainingSubOps)
			}
			continue
		}

		result := MoveResult{
			Completed: reply.NumberOfCompletedSubOps,
			Failed:    reply.NumberOfFailedSubOps,
			Warning:   reply.NumberOfWarningSubOps,
		}
		if reply.Status == StatusSuccess {
			return result, nil
		}
		return result, errs.NewNetworkProtocol(a.remoteAET, "C-MOVE", reply.Status)
	}
}
