package services

import (
	"context"

	"github.com/halcyonmed/dicom-archive/internal/dicomtool"
	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/halcyonmed/dicom-archive/internal/scp"
	"github.com/rs/zerolog/log"
)

// dicomHandler adapts the archive operations to the DICOM server.
type dicomHandler struct {
	s *ServerContext
}

// DicomHandler returns the scp handler backed by this context.
func (s *ServerContext) DicomHandler() scp.Handler {
	return dicomHandler{s: s}
}

func (h dicomHandler) Echo(remoteAET string) error {
	log.Debug().Str("remote_aet", remoteAET).Msg("C-ECHO received")
	return nil
}

func (h dicomHandler) Store(ctx context.Context, event scp.StoreEvent) error {
	transferSyntax := event.TransferSyntax
	if transferSyntax == "" {
		transferSyntax = dimse.ImplicitVRLittleEndian
	}
	content := dicomtool.AddMetaHeader(event.Object, event.SOPClassUID, event.SOPInstanceUID,
		transferSyntax, dimse.ImplementationClassUID, dimse.ImplementationVersion)

	_, err := h.s.Store(ctx, content, Origin{
		Source:    "dimse",
		RemoteAET: event.RemoteAET,
		CalledAET: event.CalledAET,
	})
	return err
}

func (h dicomHandler) Find(ctx context.Context, event scp.FindEvent) ([]*dimse.Dataset, error) {
	log.Debug().Str("remote_aet", event.RemoteAET).Str("sop_class", event.SOPClass).
		Msg("C-FIND received")
	return h.s.Find(event.Query)
}

func (h dicomHandler) Move(ctx context.Context, event scp.MoveEvent) (scp.MoveSession, error) {
	log.Info().Str("remote_aet", event.RemoteAET).Str("target_aet", event.TargetAET).
		Msg("C-MOVE received")
	return h.s.Move(ctx, event)
}
