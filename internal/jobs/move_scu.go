package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/halcyonmed/dicom-archive/internal/models"
)

const TypeMoveScu = "DicomMoveScu"

// MoveScuJob asks a remote modality to push matching objects to a target
// application entity. The whole C-MOVE runs as one step; the remote reports
// progress through pending responses.
type MoveScuJob struct {
	remote    models.Modality
	localAET  string
	targetAET string
	level     string
	query     map[string]string
	timeout   time.Duration

	remaining uint16
	completed uint16
	failed    uint16
	finished  bool
}

// NewMoveScuJob builds a retrieve request. query maps "GGGG,EEEE" formatted
// tags to their matching values.
func NewMoveScuJob(remote models.Modality, localAET, targetAET, level string, query map[string]string, timeout time.Duration) *MoveScuJob {
	return &MoveScuJob{
		remote:    remote,
		localAET:  localAET,
		targetAET: targetAET,
		level:     level,
		query:     query,
		timeout:   timeout,
	}
}

func (j *MoveScuJob) Type() string {
	return TypeMoveScu
}

func (j *MoveScuJob) Start() error {
	if j.targetAET == "" {
		j.targetAET = j.localAET
	}
	return nil
}

func (j *MoveScuJob) Step(ctx context.Context) (StepResult, error) {
	assoc, err := dimse.Connect(ctx, dimse.ConnectParams{
		LocalAET:  j.localAET,
		RemoteAET: j.remote.AET,
		Host:      j.remote.Host,
		Port:      j.remote.Port,
		Timeout:   j.timeout,
		Proposed:  dimse.QueryContexts(),
	})
	if err != nil {
		return StepFailure, err
	}
	defer assoc.Release()

	dataset, err := buildQueryDataset(j.level, j.query)
	if err != nil {
		return StepFailure, err
	}
	dimse.FixFindQuery(dataset, j.remote.Quirk)

	model := dimse.StudyRootMove
	if j.level == "PATIENT" {
		model = dimse.PatientRootMove
	}

	result, err := assoc.Move(ctx, model, j.targetAET, dataset, func(remaining uint16) {
		j.remaining = remaining
	})
	j.completed = result.Completed
	j.failed = result.Failed
	j.finished = true
	if err != nil {
		return StepFailure, err
	}
	return StepSuccess, nil
}

// buildQueryDataset assembles the C-FIND/C-MOVE identifier from textual tags.
func buildQueryDataset(level string, query map[string]string) (*dimse.Dataset, error) {
	ds := dimse.NewDataset()
	ds.Set(dimse.TagQueryRetrieveLevel, level)
	for key, value := range query {
		var group, element uint16
		if _, err := fmt.Sscanf(key, "%04x,%04x", &group, &element); err != nil {
			return nil, fmt.Errorf("malformed tag %q in query", key)
		}
		ds.Set(dimse.Tag{Group: group, Element: element}, value)
	}
	return ds, nil
}

func (j *MoveScuJob) Progress() float64 {
	if j.finished {
		return 1
	}
	total := int(j.remaining) + int(j.completed) + int(j.failed)
	if total == 0 {
		return 0
	}
	return float64(int(j.completed)+int(j.failed)) / float64(total)
}

func (j *MoveScuJob) Content() map[string]interface{} {
	return map[string]interface{}{
		"Description":    fmt.Sprintf("Retrieve from modality %s", j.remote.Symbolic),
		"RemoteModality": j.remote.Symbolic,
		"TargetAet":      j.targetAET,
		"Level":          j.level,
		"Query":          j.query,
		"Completed":      j.completed,
		"Failed":         j.failed,
	}
}

func (j *MoveScuJob) Serialize() (map[string]interface{}, error) {
	query := make(map[string]interface{}, len(j.query))
	for k, v := range j.query {
		query[k] = v
	}
	return map[string]interface{}{
		"RemoteModality": j.remote.Symbolic,
		"LocalAet":       j.localAET,
		"TargetAet":      j.targetAET,
		"Level":          j.level,
		"Query":          query,
	}, nil
}

// RestorePayload rebuilds the request from a registry snapshot.
func (j *MoveScuJob) RestorePayload(payload map[string]interface{}) {
	j.localAET, _ = payload["LocalAet"].(string)
	j.targetAET, _ = payload["TargetAet"].(string)
	j.level, _ = payload["Level"].(string)
	j.query = make(map[string]string)
	if raw, ok := payload["Query"].(map[string]interface{}); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				j.query[k] = s
			}
		}
	}
}

func (j *MoveScuJob) Stop(StopReason) {}
