package jobs

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/rs/zerolog/log"
)

// Record is the public view of one job in the registry.
type Record struct {
	ID         string                 `json:"ID"`
	Type       string                 `json:"Type"`
	State      State                  `json:"State"`
	Priority   int                    `json:"Priority"`
	Progress   float64                `json:"Progress"`
	Content    map[string]interface{} `json:"Content"`
	Created    time.Time              `json:"CreationTime"`
	Completion time.Time              `json:"CompletionTime,omitzero"`
	Error      string                 `json:"ErrorDetails,omitempty"`
}

type record struct {
	id       string
	job      Job
	priority int
	seq      int64
	state    State
	created  time.Time
	done     time.Time
	errText  string
	canceled bool
	doneCh   chan struct{}

	// jobMu serializes every call into the job itself, so a stepping
	// worker and the snapshots taken by the REST layer never overlap.
	// Never acquired while holding e.mu.
	jobMu sync.Mutex
}

// jobHeap orders pending jobs by descending priority, then admission order.
type jobHeap []*record

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*record)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Engine owns the job registry and the worker pool.
type Engine struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending jobHeap
	records map[string]*record
	seq     int64
	stopped bool

	workers int
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates a stopped engine with the given worker count.
func NewEngine(workers int) *Engine {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		records: make(map[string]*record),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start launches the worker pool.
func (e *Engine) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	log.Info().Int("workers", e.workers).Msg("Jobs engine started")
}

// Stop drains the workers. Running jobs are notified with
// StopEngineShutdown and left pending for the next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	log.Info().Msg("Jobs engine stopped")
}

// Submit queues a job and returns its id.
func (e *Engine) Submit(job Job, priority int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return "", errs.ErrBadSequenceOfCalls
	}

	e.seq++
	rec := &record{
		id:       uuid.NewString(),
		job:      job,
		priority: priority,
		seq:      e.seq,
		state:    StatePending,
		created:  time.Now().UTC(),
		doneCh:   make(chan struct{}),
	}
	e.records[rec.id] = rec
	heap.Push(&e.pending, rec)
	e.cond.Signal()

	log.Info().Str("job", rec.id).Str("type", job.Type()).Int("priority", priority).
		Msg("Job submitted")
	return rec.id, nil
}

// Wait blocks until the job terminates or ctx expires.
func (e *Engine) Wait(ctx context.Context, id string) (Record, error) {
	e.mu.Lock()
	rec, ok := e.records[id]
	e.mu.Unlock()
	if !ok {
		return Record{}, errs.ErrInexistentItem
	}

	select {
	case <-rec.doneCh:
		return e.snapshotRecord(rec), nil
	case <-ctx.Done():
		return Record{}, errs.ErrTimeout
	}
}

// Cancel asks a job to stop at its next step boundary. Canceling a pending
// job removes it from the queue; canceling a finished job is a no-op.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[id]
	if !ok {
		return errs.ErrInexistentItem
	}
	if rec.state.IsDone() {
		return nil
	}
	rec.canceled = true
	return nil
}

// Get returns the public view of one job.
func (e *Engine) Get(id string) (Record, error) {
	e.mu.Lock()
	rec, ok := e.records[id]
	e.mu.Unlock()
	if !ok {
		return Record{}, errs.ErrInexistentItem
	}
	return e.snapshotRecord(rec), nil
}

// List returns every job, newest first.
func (e *Engine) List() []Record {
	e.mu.Lock()
	records := make([]*record, 0, len(e.records))
	for _, rec := range e.records {
		records = append(records, rec)
	}
	e.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].seq > records[j].seq })

	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, e.snapshotRecord(rec))
	}
	return out
}

func (e *Engine) snapshotRecord(rec *record) Record {
	rec.jobMu.Lock()
	progress := rec.job.Progress()
	content := rec.job.Content()
	rec.jobMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return Record{
		ID:         rec.id,
		Type:       rec.job.Type(),
		State:      rec.state,
		Priority:   rec.priority,
		Progress:   progress,
		Content:    content,
		Created:    rec.created,
		Completion: rec.done,
		Error:      rec.errText,
	}
}

func (e *Engine) worker(index int) {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		for !e.stopped && e.pending.Len() == 0 {
			e.cond.Wait()
		}
		if e.stopped {
			e.mu.Unlock()
			return
		}
		rec := heap.Pop(&e.pending).(*record)
		if rec.canceled {
			rec.state = StateFailure
			rec.errText = "canceled"
			rec.done = time.Now().UTC()
			close(rec.doneCh)
			e.mu.Unlock()
			continue
		}
		rec.state = StateRunning
		e.mu.Unlock()

		e.run(rec)
	}
}

// run steps the job to completion, honoring cancellation and shutdown at
// step boundaries.
func (e *Engine) run(rec *record) {
	log.Debug().Str("job", rec.id).Str("type", rec.job.Type()).
		Msg("Job starting")

	rec.jobMu.Lock()
	err := rec.job.Start()
	rec.jobMu.Unlock()
	if err != nil {
		e.finish(rec, StateFailure, err.Error())
		return
	}

	for {
		e.mu.Lock()
		canceled := rec.canceled
		stopped := e.stopped
		e.mu.Unlock()

		if canceled {
			rec.jobMu.Lock()
			rec.job.Stop(StopCanceled)
			rec.jobMu.Unlock()
			e.finish(rec, StateFailure, "canceled")
			return
		}
		if stopped {
			rec.jobMu.Lock()
			rec.job.Stop(StopEngineShutdown)
			rec.jobMu.Unlock()
			e.finish(rec, StatePaused, "")
			return
		}

		rec.jobMu.Lock()
		result, err := rec.job.Step(e.ctx)
		rec.jobMu.Unlock()
		switch result {
		case StepContinue:
			continue
		case StepSuccess:
			e.finish(rec, StateSuccess, "")
			return
		case StepRetry:
			e.retry(rec)
			return
		default:
			detail := "job failed"
			if err != nil {
				detail = err.Error()
			}
			e.finish(rec, StateFailure, detail)
			return
		}
	}
}

// retry parks the job and re-queues it once its retry delay has elapsed. The
// worker that picks it up resumes from the same step.
func (e *Engine) retry(rec *record) {
	delay := time.Second
	if r, ok := rec.job.(Retryable); ok {
		delay = r.RetryDelay()
	}

	e.mu.Lock()
	rec.state = StateRetry
	e.mu.Unlock()
	log.Debug().Str("job", rec.id).Dur("delay", delay).Msg("Job parked for retry")

	time.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.stopped {
			rec.state = StatePaused
			select {
			case <-rec.doneCh:
			default:
				close(rec.doneCh)
			}
			return
		}
		rec.state = StatePending
		heap.Push(&e.pending, rec)
		e.cond.Signal()
	})
}

func (e *Engine) finish(rec *record, state State, errText string) {
	e.mu.Lock()
	rec.state = state
	rec.errText = errText
	rec.done = time.Now().UTC()
	if state.IsDone() || state == StatePaused {
		select {
		case <-rec.doneCh:
		default:
			close(rec.doneCh)
		}
	}
	e.mu.Unlock()

	event := log.Info().Str("job", rec.id).Str("type", rec.job.Type()).Str("state", string(state))
	if errText != "" {
		event = event.Str("error", errText)
	}
	event.Msg("Job finished")
}
