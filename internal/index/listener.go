package index

import (
	"github.com/halcyonmed/dicom-archive/internal/models"
)

// Listener receives the events produced by a transaction. Events are
// dispatched after the transaction commits, in the order they were produced;
// a panicking listener is logged and does not undo the commit.
type Listener interface {
	// SignalResourceDeleted fires once per removed resource, children
	// before parents.
	SignalResourceDeleted(publicID string, kind models.ResourceKind)

	// SignalFileDeleted fires exactly once per removed attachment. The
	// receiver may fail to remove the blob without aborting anything; a
	// leaked blob is acceptable, a dangling row is not.
	SignalFileDeleted(uuid string)

	// SignalRemainingAncestor identifies the nearest surviving ancestor
	// after a deletion removed the last child of its parent.
	SignalRemainingAncestor(publicID string, kind models.ResourceKind)

	// SignalChange fires for every appended change-log entry.
	SignalChange(change models.Change)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) SignalResourceDeleted(string, models.ResourceKind)   {}
func (NopListener) SignalFileDeleted(string)                            {}
func (NopListener) SignalRemainingAncestor(string, models.ResourceKind) {}
func (NopListener) SignalChange(models.Change)                          {}
