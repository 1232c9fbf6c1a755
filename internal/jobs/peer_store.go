package jobs

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/halcyonmed/dicom-archive/internal/dicomtool"
	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/models"
)

const TypePeerStore = "HttpPeerStore"

// PeerStoreJob uploads a set of instances to a remote archive over HTTP, one
// instance per step.
type PeerStoreJob struct {
	*SetOfInstances

	provider InstanceProvider
	peer     models.Peer
	client   *resty.Client
}

// NewPeerStoreJob creates an empty upload job towards peer.
func NewPeerStoreJob(provider InstanceProvider, peer models.Peer) *PeerStoreJob {
	client := resty.New().SetBaseURL(peer.URL)
	if peer.Username != "" {
		client.SetBasicAuth(peer.Username, peer.Password)
	}

	j := &PeerStoreJob{
		provider: provider,
		peer:     peer,
		client:   client,
	}
	j.SetOfInstances = NewSetOfInstances(j)
	j.SetDescription(fmt.Sprintf("Store to peer %s", peer.Symbolic))
	return j
}

func (j *PeerStoreJob) Type() string {
	return TypePeerStore
}

// HandleInstance uploads one instance to the peer's ingestion endpoint as a
// complete part 10 file.
func (j *PeerStoreJob) HandleInstance(ctx context.Context, publicID string) error {
	instance, err := j.provider.ReadInstanceObject(publicID)
	if err != nil {
		return err
	}

	transferSyntax := instance.TransferSyntax
	if transferSyntax == "" {
		transferSyntax = dimse.ImplicitVRLittleEndian
	}
	content := dicomtool.AddMetaHeader(instance.Object, instance.SOPClassUID,
		instance.SOPInstanceUID, transferSyntax,
		dimse.ImplementationClassUID, dimse.ImplementationVersion)

	resp, err := j.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/dicom").
		SetBody(content).
		Post("/instances")
	if err != nil {
		return fmt.Errorf("uploading %s to peer %s: %w", publicID, j.peer.Symbolic, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: peer %s answered %s for %s",
			errs.ErrBadRequest, j.peer.Symbolic, resp.Status(), publicID)
	}
	return nil
}

func (j *PeerStoreJob) Content() map[string]interface{} {
	content := j.SetOfInstances.Content()
	content["Peer"] = j.peer.Symbolic
	return content
}

func (j *PeerStoreJob) Serialize() (map[string]interface{}, error) {
	payload := j.SetOfInstances.Serialize()
	payload["Peer"] = j.peer.Symbolic
	return payload, nil
}

// PeerSymbolic extracts the peer name from a serialized payload.
func PeerSymbolic(payload map[string]interface{}) string {
	symbolic, _ := payload["Peer"].(string)
	return symbolic
}
