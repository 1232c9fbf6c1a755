package jobs

import (
	"context"
	"fmt"

	"github.com/halcyonmed/dicom-archive/internal/errs"
)

// InstanceHandler processes one instance of a SetOfInstances job.
type InstanceHandler interface {
	HandleInstance(ctx context.Context, instance string) error
}

// SetOfInstances is the base of every job that walks a list of instances one
// step at a time. The list is frozen once the first step has run; in
// permissive mode a failing instance is recorded and skipped instead of
// failing the whole job.
type SetOfInstances struct {
	handler     InstanceHandler
	description string
	instances   []string
	failed      []string
	permissive  bool
	started     bool
	position    int
}

// NewSetOfInstances creates an empty list driving handler.
func NewSetOfInstances(handler InstanceHandler) *SetOfInstances {
	return &SetOfInstances{handler: handler}
}

// SetDescription sets the human-readable description shown by the jobs API.
func (s *SetOfInstances) SetDescription(description string) {
	s.description = description
}

// AddInstance appends one instance. The list is sealed by the first step.
func (s *SetOfInstances) AddInstance(publicID string) error {
	if s.started {
		return fmt.Errorf("%w: job already started", errs.ErrBadSequenceOfCalls)
	}
	s.instances = append(s.instances, publicID)
	return nil
}

// Reserve pre-sizes the list for n instances. Sealed by the first step.
func (s *SetOfInstances) Reserve(n int) error {
	if s.started {
		return fmt.Errorf("%w: job already started", errs.ErrBadSequenceOfCalls)
	}
	if n < 0 {
		return fmt.Errorf("%w: negative reservation", errs.ErrParameterOutOfRange)
	}
	if cap(s.instances)-len(s.instances) < n {
		grown := make([]string, len(s.instances), len(s.instances)+n)
		copy(grown, s.instances)
		s.instances = grown
	}
	return nil
}

// Reset rewinds the cursor and forgets the failures so the list can be
// walked again; only valid once the job has started.
func (s *SetOfInstances) Reset() error {
	if !s.started {
		return fmt.Errorf("%w: reset before start", errs.ErrBadSequenceOfCalls)
	}
	s.position = 0
	s.failed = nil
	return nil
}

// SetPermissive toggles skip-on-failure. Sealed by the first step.
func (s *SetOfInstances) SetPermissive(permissive bool) error {
	if s.started {
		return fmt.Errorf("%w: job already started", errs.ErrBadSequenceOfCalls)
	}
	s.permissive = permissive
	return nil
}

// InstancesCount returns the number of queued instances.
func (s *SetOfInstances) InstancesCount() int {
	return len(s.instances)
}

// FailedInstances lists the instances skipped in permissive mode.
func (s *SetOfInstances) FailedInstances() []string {
	return append([]string(nil), s.failed...)
}

// Start seals the instance list.
func (s *SetOfInstances) Start() error {
	s.started = true
	return nil
}

// Step processes the instance under the cursor.
func (s *SetOfInstances) Step(ctx context.Context) (StepResult, error) {
	if !s.started {
		return StepFailure, fmt.Errorf("%w: step before start", errs.ErrBadSequenceOfCalls)
	}
	if s.position >= len(s.instances) {
		return StepSuccess, nil
	}

	// The cursor only advances past a handled instance: a strict-mode
	// failure leaves it on the failing instance, so a Reset or a resume
	// retries it.
	instance := s.instances[s.position]
	if err := s.handler.HandleInstance(ctx, instance); err != nil {
		if !s.permissive {
			return StepFailure, err
		}
		s.failed = append(s.failed, instance)
	}
	s.position++

	if s.position >= len(s.instances) {
		return StepSuccess, nil
	}
	return StepContinue, nil
}

// Progress reports the cursor position over the list size.
func (s *SetOfInstances) Progress() float64 {
	if len(s.instances) == 0 {
		return 1
	}
	return float64(s.position) / float64(len(s.instances))
}

// Content exposes the base fields of the jobs API.
func (s *SetOfInstances) Content() map[string]interface{} {
	return map[string]interface{}{
		"Description":          s.description,
		"InstancesCount":       len(s.instances),
		"FailedInstancesCount": len(s.failed),
	}
}

// Serialize captures the list state for the registry snapshot.
func (s *SetOfInstances) Serialize() map[string]interface{} {
	return map[string]interface{}{
		"Description":     s.description,
		"Instances":       s.instances,
		"FailedInstances": s.failed,
		"Permissive":      s.permissive,
		"Position":        s.position,
	}
}

// Restore rebuilds the list state from a registry snapshot.
func (s *SetOfInstances) Restore(payload map[string]interface{}) {
	s.description, _ = payload["Description"].(string)
	s.permissive, _ = payload["Permissive"].(bool)
	if position, ok := payload["Position"].(float64); ok {
		s.position = int(position)
	}
	s.instances = stringSlice(payload["Instances"])
	s.failed = stringSlice(payload["FailedInstances"])
	if s.position > len(s.instances) {
		s.position = len(s.instances)
	}
}

// Stop implements Job; the base has nothing to tear down.
func (s *SetOfInstances) Stop(StopReason) {}

func stringSlice(value interface{}) []string {
	raw, ok := value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
