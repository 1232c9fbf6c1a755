// Package qr keeps the results of queries against remote modalities so their
// answers can be inspected and retrieved later. The archive is bounded; the
// least recently used query is evicted when a new one does not fit.
package qr

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Query is one executed remote query with its answers.
type Query struct {
	ID       string
	Remote   models.Modality
	Level    string
	Criteria map[string]string
	Answers  []*dimse.Dataset
}

// Archive is the bounded store of executed queries.
type Archive struct {
	cache *lru.Cache[string, *Query]
}

// NewArchive creates an archive holding up to capacity queries.
func NewArchive(capacity int) (*Archive, error) {
	if capacity <= 0 {
		capacity = 100
	}
	cache, err := lru.New[string, *Query](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating query archive: %w", err)
	}
	return &Archive{cache: cache}, nil
}

// Add stores a query and returns its id.
func (a *Archive) Add(remote models.Modality, level string, criteria map[string]string, answers []*dimse.Dataset) string {
	q := &Query{
		ID:       uuid.NewString(),
		Remote:   remote,
		Level:    level,
		Criteria: criteria,
		Answers:  answers,
	}
	a.cache.Add(q.ID, q)
	return q.ID
}

// Get returns one archived query.
func (a *Archive) Get(id string) (*Query, error) {
	q, ok := a.cache.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: query %s", errs.ErrInexistentItem, id)
	}
	return q, nil
}

// Answer returns one answer of an archived query.
func (a *Archive) Answer(id string, index int) (*dimse.Dataset, error) {
	q, err := a.Get(id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(q.Answers) {
		return nil, fmt.Errorf("%w: answer %d of query %s", errs.ErrParameterOutOfRange, index, id)
	}
	return q.Answers[index], nil
}

// List returns the ids of the archived queries, most recent last.
func (a *Archive) List() []string {
	return a.cache.Keys()
}
