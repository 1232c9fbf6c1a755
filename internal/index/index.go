// Package index implements the transactional store of the resource
// hierarchy: resources, attachments, metadata, identifier tags, the change
// log, the patient recycling order and global properties.
package index

import (
	"sync"

	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// TxKind selects the access mode of a transaction.
type TxKind int

const (
	ReadOnly TxKind = iota
	ReadWrite
)

// Index wraps the database behind a single-writer discipline: one
// transaction is active at a time, guarded by a process-wide mutex.
// Transactions are short; long work happens outside them.
type Index struct {
	db *gorm.DB
	mu sync.Mutex
}

// New creates an Index over an already-migrated database.
func New(db *gorm.DB) *Index {
	return &Index{db: db}
}

// Transaction runs fn inside a database transaction. On any error the
// transaction is rolled back and no event reaches the listener. On commit
// the queued events are dispatched to listener in production order.
func (i *Index) Transaction(kind TxKind, listener Listener, fn func(tx *Tx) error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if listener == nil {
		listener = NopListener{}
	}

	var queued []event
	err := i.db.Transaction(func(db *gorm.DB) error {
		tx := &Tx{db: db, kind: kind}
		if err := fn(tx); err != nil {
			return err
		}
		queued = tx.events
		return nil
	})
	if err != nil {
		return err
	}

	dispatch(listener, queued)
	return nil
}

type eventKind int

const (
	evResourceDeleted eventKind = iota
	evFileDeleted
	evRemainingAncestor
	evChange
)

type event struct {
	kind     eventKind
	publicID string
	resource models.ResourceKind
	uuid     string
	change   models.Change
}

func dispatch(listener Listener, events []event) {
	for _, ev := range events {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("error", r).Msg("Index listener panicked")
				}
			}()
			switch ev.kind {
			case evResourceDeleted:
				listener.SignalResourceDeleted(ev.publicID, ev.resource)
			case evFileDeleted:
				listener.SignalFileDeleted(ev.uuid)
			case evRemainingAncestor:
				listener.SignalRemainingAncestor(ev.publicID, ev.resource)
			case evChange:
				listener.SignalChange(ev.change)
			}
		}()
	}
}
