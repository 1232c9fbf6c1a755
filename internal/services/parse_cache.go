package services

import (
	"sync"

	"github.com/halcyonmed/dicom-archive/internal/dicomtool"
	lru "github.com/hashicorp/golang-lru/v2"
)

// parseCache keeps recently parsed instances so repeated accesses to the
// same object skip the decoder. A per-entry lock serializes the accessors of
// one instance while distinct instances proceed in parallel; the lock table
// only holds entries somebody is waiting on.
type parseCache struct {
	cache *lru.Cache[string, *dicomtool.ParsedInstance]

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newParseCache(capacity int) (*parseCache, error) {
	if capacity <= 0 {
		capacity = 128
	}
	cache, err := lru.New[string, *dicomtool.ParsedInstance](capacity)
	if err != nil {
		return nil, err
	}
	return &parseCache{
		cache: cache,
		locks: make(map[string]*entryLock),
	}, nil
}

// acquire takes the exclusive lock of one entry; release must follow.
func (c *parseCache) acquire(publicID string) *entryLock {
	c.mu.Lock()
	l := c.locks[publicID]
	if l == nil {
		l = &entryLock{}
		c.locks[publicID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return l
}

func (c *parseCache) release(publicID string, l *entryLock) {
	l.mu.Unlock()

	c.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, publicID)
	}
	c.mu.Unlock()
}

func (c *parseCache) get(publicID string) (*dicomtool.ParsedInstance, bool) {
	return c.cache.Get(publicID)
}

func (c *parseCache) put(publicID string, parsed *dicomtool.ParsedInstance) {
	c.cache.Add(publicID, parsed)
}

func (c *parseCache) invalidate(publicID string) {
	c.cache.Remove(publicID)
}
