package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/halcyonmed/dicom-archive/internal/dicomtool"
	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/halcyonmed/dicom-archive/internal/models"
)

// StoredInstance is one instance as read back from the archive for
// transmission.
type StoredInstance struct {
	Object         []byte
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
}

// InstanceProvider reads stored instances by public id.
type InstanceProvider interface {
	ReadInstanceObject(publicID string) (StoredInstance, error)
}

// ModalityStoreJob pushes a set of instances to a remote modality with
// C-STORE, one instance per step.
type ModalityStoreJob struct {
	*SetOfInstances

	provider InstanceProvider
	remote   models.Modality
	localAET string
	timeout  time.Duration

	moveOriginatorAET string
	moveOriginatorID  uint16
	hasMoveOriginator bool

	assoc      *dimse.Assoc
	negotiated map[string]bool
}

const TypeModalityStore = "DicomModalityStore"

// NewModalityStoreJob creates an empty store job towards remote.
func NewModalityStoreJob(provider InstanceProvider, remote models.Modality, localAET string, timeout time.Duration) *ModalityStoreJob {
	j := &ModalityStoreJob{
		provider:   provider,
		remote:     remote,
		localAET:   localAET,
		timeout:    timeout,
		negotiated: make(map[string]bool),
	}
	j.SetOfInstances = NewSetOfInstances(j)
	j.SetDescription(fmt.Sprintf("Store to modality %s", remote.Symbolic))
	return j
}

// SetMoveOriginator tags every C-STORE with the identity of the C-MOVE this
// job executes.
func (j *ModalityStoreJob) SetMoveOriginator(aet string, messageID uint16) error {
	if j.started {
		return fmt.Errorf("job already started")
	}
	j.moveOriginatorAET = aet
	j.moveOriginatorID = messageID
	j.hasMoveOriginator = true
	return nil
}

func (j *ModalityStoreJob) Type() string {
	return TypeModalityStore
}

// HandleInstance sends one instance, (re)negotiating the association when
// the instance's SOP class was not yet proposed.
func (j *ModalityStoreJob) HandleInstance(ctx context.Context, publicID string) error {
	instance, err := j.provider.ReadInstanceObject(publicID)
	if err != nil {
		return err
	}

	if j.assoc == nil || j.assoc.Closed() || !j.negotiated[instance.SOPClassUID] {
		if err := j.reconnect(ctx, instance.SOPClassUID); err != nil {
			return err
		}
	}

	// The peer may have picked another syntax than the one the object was
	// stored with.
	if pc, ok := j.assoc.Negotiated(instance.SOPClassUID); ok &&
		instance.TransferSyntax != "" && pc.TransferSyntax != instance.TransferSyntax {
		object, syntax, err := dicomtool.Transcode(instance.Object, instance.TransferSyntax,
			[]string{pc.TransferSyntax})
		if err != nil {
			return err
		}
		instance.Object = object
		instance.TransferSyntax = syntax
	}

	req := dimse.StoreRequest{
		SOPClassUID:    instance.SOPClassUID,
		SOPInstanceUID: instance.SOPInstanceUID,
		TransferSyntax: instance.TransferSyntax,
		Object:         instance.Object,
	}
	if j.hasMoveOriginator {
		req.MoveOriginatorAET = j.moveOriginatorAET
		req.MoveOriginatorID = j.moveOriginatorID
		req.HasMoveOriginator = true
	}
	return j.assoc.Store(ctx, req)
}

// reconnect opens a fresh association proposing every SOP class seen so far
// plus the new one.
func (j *ModalityStoreJob) reconnect(ctx context.Context, sopClass string) error {
	if j.assoc != nil {
		j.assoc.Release()
		j.assoc = nil
	}

	j.negotiated[sopClass] = true
	sopClasses := make([]string, 0, len(j.negotiated))
	for uid := range j.negotiated {
		sopClasses = append(sopClasses, uid)
	}

	assoc, err := dimse.Connect(ctx, dimse.ConnectParams{
		LocalAET:  j.localAET,
		RemoteAET: j.remote.AET,
		Host:      j.remote.Host,
		Port:      j.remote.Port,
		Timeout:   j.timeout,
		Proposed:  dimse.StoreContexts(sopClasses, ""),
	})
	if err != nil {
		return err
	}
	j.assoc = assoc
	return nil
}

func (j *ModalityStoreJob) Content() map[string]interface{} {
	content := j.SetOfInstances.Content()
	content["RemoteModality"] = j.remote.Symbolic
	content["LocalAet"] = j.localAET
	if j.hasMoveOriginator {
		content["MoveOriginatorAET"] = j.moveOriginatorAET
		content["MoveOriginatorID"] = j.moveOriginatorID
	}
	return content
}

func (j *ModalityStoreJob) Serialize() (map[string]interface{}, error) {
	payload := j.SetOfInstances.Serialize()
	payload["RemoteModality"] = j.remote.Symbolic
	payload["LocalAet"] = j.localAET
	if j.hasMoveOriginator {
		payload["MoveOriginatorAET"] = j.moveOriginatorAET
		payload["MoveOriginatorID"] = float64(j.moveOriginatorID)
	}
	return payload, nil
}

// RestorePayload rebuilds the job state from a registry snapshot. The
// modality is resolved by the caller from its symbolic name.
func (j *ModalityStoreJob) RestorePayload(payload map[string]interface{}) {
	j.SetOfInstances.Restore(payload)
	j.localAET, _ = payload["LocalAet"].(string)
	if aet, ok := payload["MoveOriginatorAET"].(string); ok {
		j.moveOriginatorAET = aet
		j.hasMoveOriginator = true
	}
	if id, ok := payload["MoveOriginatorID"].(float64); ok {
		j.moveOriginatorID = uint16(id)
	}
}

// RemoteSymbolic extracts the modality name from a serialized payload.
func RemoteSymbolic(payload map[string]interface{}) string {
	symbolic, _ := payload["RemoteModality"].(string)
	return symbolic
}

// Stop releases the open association.
func (j *ModalityStoreJob) Stop(reason StopReason) {
	if j.assoc != nil {
		j.assoc.Release()
		j.assoc = nil
	}
	j.SetOfInstances.Stop(reason)
}
