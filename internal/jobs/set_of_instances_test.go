package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingHandler records handled instances and fails the configured ones.
type countingHandler struct {
	handled []string
	failing map[string]bool
}

func (h *countingHandler) HandleInstance(_ context.Context, instance string) error {
	h.handled = append(h.handled, instance)
	if h.failing[instance] {
		return errors.New("cannot reach the peer")
	}
	return nil
}

func stepToEnd(t *testing.T, s *jobs.SetOfInstances) (jobs.StepResult, error) {
	t.Helper()
	for i := 0; i < 100; i++ {
		result, err := s.Step(context.Background())
		if result != jobs.StepContinue {
			return result, err
		}
	}
	t.Fatal("job did not terminate")
	return jobs.StepFailure, nil
}

func TestSetOfInstancesWalksList(t *testing.T) {
	handler := &countingHandler{}
	set := jobs.NewSetOfInstances(handler)
	require.NoError(t, set.AddInstance("a"))
	require.NoError(t, set.AddInstance("b"))
	require.NoError(t, set.AddInstance("c"))

	require.NoError(t, set.Start())
	result, err := stepToEnd(t, set)
	require.NoError(t, err)
	assert.Equal(t, jobs.StepSuccess, result)

	assert.Equal(t, []string{"a", "b", "c"}, handler.handled)
	assert.Equal(t, float64(1), set.Progress())
	assert.Empty(t, set.FailedInstances())
}

func TestSetOfInstancesSealedAfterStart(t *testing.T) {
	set := jobs.NewSetOfInstances(&countingHandler{})
	require.NoError(t, set.AddInstance("a"))
	require.NoError(t, set.Start())

	assert.ErrorIs(t, set.AddInstance("b"), errs.ErrBadSequenceOfCalls)
	assert.ErrorIs(t, set.SetPermissive(true), errs.ErrBadSequenceOfCalls)
}

func TestSetOfInstancesStepBeforeStart(t *testing.T) {
	set := jobs.NewSetOfInstances(&countingHandler{})
	result, err := set.Step(context.Background())
	assert.Equal(t, jobs.StepFailure, result)
	assert.ErrorIs(t, err, errs.ErrBadSequenceOfCalls)
}

func TestSetOfInstancesStrictFailsFast(t *testing.T) {
	handler := &countingHandler{failing: map[string]bool{"b": true}}
	set := jobs.NewSetOfInstances(handler)
	require.NoError(t, set.AddInstance("a"))
	require.NoError(t, set.AddInstance("b"))
	require.NoError(t, set.AddInstance("c"))

	require.NoError(t, set.Start())
	result, err := stepToEnd(t, set)
	assert.Equal(t, jobs.StepFailure, result)
	assert.Error(t, err)

	// The failing instance stopped the walk; the cursor stays on it, so
	// only the first instance counts as done.
	assert.Equal(t, []string{"a", "b"}, handler.handled)
	assert.InDelta(t, 1.0/3.0, set.Progress(), 1e-9)
}

func TestSetOfInstancesResetRewindsCursor(t *testing.T) {
	handler := &countingHandler{failing: map[string]bool{"b": true}}
	set := jobs.NewSetOfInstances(handler)
	require.NoError(t, set.AddInstance("a"))
	require.NoError(t, set.AddInstance("b"))

	assert.ErrorIs(t, set.Reset(), errs.ErrBadSequenceOfCalls)

	require.NoError(t, set.Start())
	result, _ := stepToEnd(t, set)
	require.Equal(t, jobs.StepFailure, result)

	// After the blocking condition clears, a reset walks the list again
	// from the top.
	handler.failing = nil
	require.NoError(t, set.Reset())
	assert.Equal(t, float64(0), set.Progress())
	assert.Empty(t, set.FailedInstances())

	result, err := stepToEnd(t, set)
	require.NoError(t, err)
	assert.Equal(t, jobs.StepSuccess, result)
	assert.Equal(t, []string{"a", "b", "a", "b"}, handler.handled)
}

func TestSetOfInstancesReserve(t *testing.T) {
	set := jobs.NewSetOfInstances(&countingHandler{})
	require.NoError(t, set.Reserve(16))
	assert.ErrorIs(t, set.Reserve(-1), errs.ErrParameterOutOfRange)
	require.NoError(t, set.AddInstance("a"))
	assert.Equal(t, 1, set.InstancesCount())

	require.NoError(t, set.Start())
	assert.ErrorIs(t, set.Reserve(4), errs.ErrBadSequenceOfCalls)
}

func TestSetOfInstancesPermissiveSkipsFailures(t *testing.T) {
	handler := &countingHandler{failing: map[string]bool{"b": true}}
	set := jobs.NewSetOfInstances(handler)
	require.NoError(t, set.AddInstance("a"))
	require.NoError(t, set.AddInstance("b"))
	require.NoError(t, set.AddInstance("c"))
	require.NoError(t, set.SetPermissive(true))

	require.NoError(t, set.Start())
	result, err := stepToEnd(t, set)
	require.NoError(t, err)
	assert.Equal(t, jobs.StepSuccess, result)

	assert.Equal(t, []string{"a", "b", "c"}, handler.handled)
	assert.Equal(t, []string{"b"}, set.FailedInstances())
}

func TestSetOfInstancesEmptyListSucceeds(t *testing.T) {
	set := jobs.NewSetOfInstances(&countingHandler{})
	require.NoError(t, set.Start())

	result, err := set.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs.StepSuccess, result)
	assert.Equal(t, float64(1), set.Progress())
}

func TestSetOfInstancesSerializeRestore(t *testing.T) {
	handler := &countingHandler{}
	set := jobs.NewSetOfInstances(handler)
	set.SetDescription("forward to PACS")
	require.NoError(t, set.AddInstance("a"))
	require.NoError(t, set.AddInstance("b"))
	require.NoError(t, set.SetPermissive(true))
	require.NoError(t, set.Start())

	_, err := set.Step(context.Background())
	require.NoError(t, err)

	// Through JSON, the way the registry stores it.
	data, err := json.Marshal(set.Serialize())
	require.NoError(t, err)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &payload))

	restored := jobs.NewSetOfInstances(handler)
	restored.Restore(payload)

	assert.Equal(t, 2, restored.InstancesCount())
	assert.Equal(t, 0.5, restored.Progress())
	assert.Equal(t, "forward to PACS", restored.Content()["Description"])

	// Resuming continues after the already-processed instance.
	require.NoError(t, restored.Start())
	result, err := stepToEnd(t, restored)
	require.NoError(t, err)
	assert.Equal(t, jobs.StepSuccess, result)
	assert.Equal(t, []string{"a", "b"}, handler.handled)
}
