// Package jobs runs the asynchronous work of the archive: a priority queue
// of long-running jobs executed by a worker pool, with cancellation at step
// boundaries and a registry persisted across restarts.
package jobs

import (
	"context"
	"time"
)

// State of a job in the registry.
type State string

const (
	StatePending State = "Pending"
	StateRunning State = "Running"
	StatePaused  State = "Paused"
	StateSuccess State = "Success"
	StateFailure State = "Failure"
	StateRetry   State = "Retrying"
)

// IsDone reports whether the state is terminal.
func (s State) IsDone() bool {
	return s == StateSuccess || s == StateFailure
}

// StepResult is the outcome of one unit of work.
type StepResult int

const (
	// StepContinue means more steps remain.
	StepContinue StepResult = iota
	// StepSuccess terminates the job successfully.
	StepSuccess
	// StepFailure terminates the job with an error.
	StepFailure
	// StepRetry asks the engine to run the same step again after the
	// job's retry delay.
	StepRetry
)

// StopReason tells a stopping job why it stops.
type StopReason int

const (
	StopCanceled StopReason = iota
	StopEngineShutdown
)

// Job is one unit of asynchronous work. Steps must be short; cancellation
// only happens between steps.
type Job interface {
	// Type identifies the job kind for registry persistence.
	Type() string

	// Start is called once before the first step.
	Start() error

	// Step executes one unit of work.
	Step(ctx context.Context) (StepResult, error)

	// Progress reports completion in [0, 1].
	Progress() float64

	// Content exposes the public state shown by the jobs API.
	Content() map[string]interface{}

	// Serialize produces the payload stored in the registry snapshot.
	Serialize() (map[string]interface{}, error)

	// Stop notifies the job that it will not be stepped again.
	Stop(reason StopReason)
}

// Retryable jobs choose how long the engine parks them after StepRetry.
// Jobs without it wait one second.
type Retryable interface {
	RetryDelay() time.Duration
}

// Unserializer rebuilds a job of one type from its serialized payload.
type Unserializer func(payload map[string]interface{}) (Job, error)
