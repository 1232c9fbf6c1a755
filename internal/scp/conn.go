package scp

import (
	"context"
	"errors"
	"net"

	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/rs/zerolog/log"
)

type conn struct {
	socket  net.Conn
	cfg     Config
	handler Handler
	assoc   *dimse.ServerAssoc
}

func newConn(socket net.Conn, cfg Config, handler Handler) *conn {
	return &conn{socket: socket, cfg: cfg, handler: handler}
}

// run owns the connection from negotiation to release.
func (c *conn) run() error {
	defer c.socket.Close()

	assoc, err := dimse.Accept(c.socket, dimse.AcceptOptions{
		AET:    c.cfg.AET,
		MaxPDU: c.cfg.MaxPDU,
	})
	if err != nil {
		return err
	}
	c.assoc = assoc

	log.Info().Str("remote_aet", assoc.CallingAET()).
		Stringer("remote", c.socket.RemoteAddr()).
		Msg("Incoming association established")

	for {
		cmd, dataset, contextID, err := assoc.NextMessage()
		if err != nil {
			if errors.Is(err, dimse.ErrReleased) || errors.Is(err, dimse.ErrAborted) {
				return nil
			}
			return err
		}

		if err := c.dispatch(cmd, dataset, contextID); err != nil {
			return err
		}
	}
}

func (c *conn) dispatch(cmd *dimse.Command, dataset []byte, contextID byte) error {
	switch cmd.Field {
	case dimse.CommandCEchoRQ:
		return c.handleEcho(cmd, contextID)
	case dimse.CommandCStoreRQ:
		return c.handleStore(cmd, dataset, contextID)
	case dimse.CommandCFindRQ:
		return c.handleFind(cmd, dataset, contextID)
	case dimse.CommandCMoveRQ:
		return c.handleMove(cmd, dataset, contextID)
	default:
		log.Warn().Uint16("command", cmd.Field).
			Str("remote_aet", c.assoc.CallingAET()).
			Msg("Unsupported DIMSE command")
		reply := &dimse.Command{
			Field:                     cmd.Field | 0x8000,
			MessageIDBeingRespondedTo: cmd.MessageID,
			DataSetType:               dimse.DataSetAbsent,
			Status:                    dimse.StatusCannotUnderstand,
		}
		return c.assoc.SendResponse(contextID, reply, nil)
	}
}

func (c *conn) handleEcho(cmd *dimse.Command, contextID byte) error {
	status := dimse.StatusSuccess
	if err := c.handler.Echo(c.assoc.CallingAET()); err != nil {
		status = dimse.StatusCannotUnderstand
	}

	reply := &dimse.Command{
		Field:                     dimse.CommandCEchoRSP,
		MessageIDBeingRespondedTo: cmd.MessageID,
		AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
		DataSetType:               dimse.DataSetAbsent,
		Status:                    status,
	}
	return c.assoc.SendResponse(contextID, reply, nil)
}

func (c *conn) handleStore(cmd *dimse.Command, dataset []byte, contextID byte) error {
	pc, _ := c.assoc.Context(contextID)

	event := StoreEvent{
		RemoteAET:         c.assoc.CallingAET(),
		CalledAET:         c.assoc.CalledAET(),
		SOPClassUID:       cmd.AffectedSOPClassUID,
		SOPInstanceUID:    cmd.AffectedSOPInstanceUID,
		TransferSyntax:    pc.TransferSyntax,
		Object:            dataset,
		MoveOriginatorAET: cmd.MoveOriginatorAET,
		MoveOriginatorID:  cmd.MoveOriginatorID,
	}

	status := dimse.StatusSuccess
	if err := c.handler.Store(context.Background(), event); err != nil {
		log.Error().Err(err).Str("remote_aet", event.RemoteAET).
			Str("sop_instance", event.SOPInstanceUID).
			Msg("C-STORE ingestion failed")
		status = storeStatus(err)
	}

	reply := &dimse.Command{
		Field:                     dimse.CommandCStoreRSP,
		MessageIDBeingRespondedTo: cmd.MessageID,
		AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    cmd.AffectedSOPInstanceUID,
		DataSetType:               dimse.DataSetAbsent,
		Status:                    status,
	}
	return c.assoc.SendResponse(contextID, reply, nil)
}

func storeStatus(err error) uint16 {
	switch {
	case errors.Is(err, errs.ErrFullStorage):
		return dimse.StatusOutOfResources
	case errors.Is(err, errs.ErrBadFileFormat), errors.Is(err, errs.ErrCorruptedFile):
		return dimse.StatusCannotUnderstand
	default:
		return dimse.StatusOutOfResources
	}
}

func (c *conn) handleFind(cmd *dimse.Command, dataset []byte, contextID byte) error {
	pc, _ := c.assoc.Context(contextID)

	respond := func(status uint16, payload []byte) error {
		reply := &dimse.Command{
			Field:                     dimse.CommandCFindRSP,
			MessageIDBeingRespondedTo: cmd.MessageID,
			AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
			DataSetType:               dimse.DataSetAbsent,
			Status:                    status,
		}
		if payload != nil {
			reply.DataSetType = dimse.DataSetPresent
		}
		return c.assoc.SendResponse(contextID, reply, payload)
	}

	query, err := dimse.ParseDataset(dataset, pc.TransferSyntax)
	if err != nil {
		return respond(dimse.StatusCannotUnderstand, nil)
	}

	matches, err := c.handler.Find(context.Background(), FindEvent{
		RemoteAET: c.assoc.CallingAET(),
		SOPClass:  cmd.AffectedSOPClassUID,
		Query:     query,
	})
	if err != nil {
		log.Error().Err(err).Str("remote_aet", c.assoc.CallingAET()).
			Msg("C-FIND failed")
		return respond(dimse.StatusIdentifierError, nil)
	}

	for _, match := range matches {
		if err := respond(dimse.StatusPending, match.Encode(pc.TransferSyntax)); err != nil {
			return err
		}
	}
	return respond(dimse.StatusSuccess, nil)
}

func (c *conn) handleMove(cmd *dimse.Command, dataset []byte, contextID byte) error {
	pc, _ := c.assoc.Context(contextID)

	respond := func(status uint16, remaining, completed, failed, warning uint16) error {
		reply := &dimse.Command{
			Field:                     dimse.CommandCMoveRSP,
			MessageIDBeingRespondedTo: cmd.MessageID,
			AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
			DataSetType:               dimse.DataSetAbsent,
			Status:                    status,
		}
		reply.SetSubOpCounts(remaining, completed, failed, warning)
		return c.assoc.SendResponse(contextID, reply, nil)
	}

	query, err := dimse.ParseDataset(dataset, pc.TransferSyntax)
	if err != nil {
		return respond(dimse.StatusCannotUnderstand, 0, 0, 0, 0)
	}

	session, err := c.handler.Move(context.Background(), MoveEvent{
		RemoteAET: c.assoc.CallingAET(),
		TargetAET: cmd.MoveDestination,
		SOPClass:  cmd.AffectedSOPClassUID,
		MessageID: cmd.MessageID,
		Query:     query,
	})
	if err != nil {
		log.Error().Err(err).Str("remote_aet", c.assoc.CallingAET()).
			Str("target_aet", cmd.MoveDestination).
			Msg("C-MOVE resolution failed")
		return respond(moveStatus(err), 0, 0, 0, 0)
	}
	defer session.Close()

	var completed, failed uint16
	for session.Remaining() > 0 {
		if err := session.Step(context.Background()); err != nil {
			failed++
			log.Warn().Err(err).Str("target_aet", cmd.MoveDestination).
				Msg("C-MOVE sub-operation failed")
		} else {
			completed++
		}
		if session.Remaining() > 0 {
			if err := respond(dimse.StatusPending, uint16(session.Remaining()), completed, failed, 0); err != nil {
				return err
			}
		}
	}

	status := dimse.StatusSuccess
	if failed > 0 {
		status = dimse.StatusOutOfResources
	}
	return respond(status, 0, completed, failed, 0)
}

func moveStatus(err error) uint16 {
	switch {
	case errors.Is(err, errs.ErrUnknownResource):
		return dimse.StatusSuccess
	case errors.Is(err, errs.ErrInexistentItem):
		return dimse.StatusIdentifierError
	default:
		return dimse.StatusMoveDestinationUnknown
	}
}
