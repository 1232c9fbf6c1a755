package jobs

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// serializedJob is one entry of the persisted registry.
type serializedJob struct {
	ID       string                 `json:"ID"`
	Type     string                 `json:"Type"`
	Priority int                    `json:"Priority"`
	State    State                  `json:"State"`
	Created  time.Time              `json:"CreationTime"`
	Payload  map[string]interface{} `json:"Payload"`
}

type serializedRegistry struct {
	Jobs []serializedJob `json:"Jobs"`
}

// Snapshot serializes the registry. Terminal jobs are persisted without a
// payload; everything else carries what it needs to resume.
func (e *Engine) Snapshot() ([]byte, error) {
	e.mu.Lock()
	recs := make([]*record, 0, len(e.records))
	for _, rec := range e.records {
		recs = append(recs, rec)
	}
	e.mu.Unlock()

	reg := serializedRegistry{}
	for _, rec := range recs {
		e.mu.Lock()
		entry := serializedJob{
			ID:       rec.id,
			Type:     rec.job.Type(),
			Priority: rec.priority,
			State:    rec.state,
			Created:  rec.created,
		}
		e.mu.Unlock()

		if !entry.State.IsDone() {
			rec.jobMu.Lock()
			payload, err := rec.job.Serialize()
			rec.jobMu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("job", rec.id).Msg("Job cannot be serialized, skipping")
				continue
			}
			entry.Payload = payload
		}
		reg.Jobs = append(reg.Jobs, entry)
	}
	return json.Marshal(reg)
}

// Load rebuilds the registry from a snapshot. Unfinished jobs are re-queued
// as pending; unknown job types are dropped with a warning.
func (e *Engine) Load(data []byte, unserializers map[string]Unserializer) error {
	if len(data) == 0 {
		return nil
	}

	var reg serializedRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("corrupted jobs registry: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range reg.Jobs {
		if entry.State.IsDone() {
			continue
		}
		unserialize, ok := unserializers[entry.Type]
		if !ok {
			log.Warn().Str("job", entry.ID).Str("type", entry.Type).
				Msg("Unknown job type in registry, dropping")
			continue
		}
		job, err := unserialize(entry.Payload)
		if err != nil {
			log.Warn().Err(err).Str("job", entry.ID).Str("type", entry.Type).
				Msg("Cannot rebuild job from registry, dropping")
			continue
		}

		e.seq++
		rec := &record{
			id:       entry.ID,
			job:      job,
			priority: entry.Priority,
			seq:      e.seq,
			state:    StatePending,
			created:  entry.Created,
			doneCh:   make(chan struct{}),
		}
		e.records[rec.id] = rec
		heap.Push(&e.pending, rec)
	}

	e.cond.Broadcast()
	log.Info().Int("jobs", len(reg.Jobs)).Msg("Jobs registry loaded")
	return nil
}

// Flusher persists the registry through save on a fixed interval until the
// returned stop function is called. The final flush happens synchronously
// inside stop.
func (e *Engine) Flusher(interval time.Duration, save func([]byte) error) (stop func()) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	flush := func() {
		data, err := e.Snapshot()
		if err != nil {
			log.Error().Err(err).Msg("Jobs registry snapshot failed")
			return
		}
		if err := save(data); err != nil {
			log.Error().Err(err).Msg("Jobs registry flush failed")
		}
	}

	go func() {
		for {
			select {
			case <-ticker.C:
				flush()
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
		flush()
	}
}
