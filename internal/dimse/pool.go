package dimse

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pool keeps released associations to one remote open for reuse. Jobs that
// push many instances to the same modality avoid renegotiating per object.
type Pool struct {
	params      ConnectParams
	maxSize     int
	maxIdleTime time.Duration

	mu     sync.Mutex
	idle   []*Assoc
	ticker *time.Ticker
	done   chan struct{}
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	ConnectParams
	MaxPoolSize int
	MaxIdleTime time.Duration
}

// NewPool creates a pool and starts its idle reaper.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 5
	}
	if cfg.MaxIdleTime == 0 {
		cfg.MaxIdleTime = 5 * time.Minute
	}

	p := &Pool{
		params:      cfg.ConnectParams,
		maxSize:     cfg.MaxPoolSize,
		maxIdleTime: cfg.MaxIdleTime,
		ticker:      time.NewTicker(time.Minute),
		done:        make(chan struct{}),
	}
	go p.reap()
	return p
}

// Get returns an idle association or establishes a new one.
func (p *Pool) Get(ctx context.Context) (*Assoc, error) {
	p.mu.Lock()
	for len(p.idle) > 0 {
		a := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !a.Closed() {
			p.mu.Unlock()
			return a, nil
		}
	}
	p.mu.Unlock()

	a, err := Connect(ctx, p.params)
	if err != nil {
		return nil, fmt.Errorf("opening pooled association: %w", err)
	}
	return a, nil
}

// Put hands an association back. Broken associations are dropped.
func (p *Pool) Put(a *Assoc) {
	if a == nil {
		return
	}
	if a.Closed() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.maxSize {
		go a.Release()
		return
	}
	p.idle = append(p.idle, a)
}

// Close releases every pooled association and stops the reaper.
func (p *Pool) Close() {
	close(p.done)
	p.ticker.Stop()

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, a := range idle {
		a.Release()
	}
}

func (p *Pool) reap() {
	for {
		select {
		case <-p.ticker.C:
			p.dropStale()
		case <-p.done:
			return
		}
	}
}

func (p *Pool) dropStale() {
	p.mu.Lock()
	kept := p.idle[:0]
	var stale []*Assoc
	for _, a := range p.idle {
		if a.Closed() || a.Stale(p.maxIdleTime) {
			stale = append(stale, a)
		} else {
			kept = append(kept, a)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, a := range stale {
		a.Release()
	}
}
