package models

import "fmt"

// ResourceKind is the level of a resource in the Patient > Study > Series >
// Instance hierarchy. The numeric values are persisted and must not change.
type ResourceKind int16

const (
	KindPatient ResourceKind = iota
	KindStudy
	KindSeries
	KindInstance
)

func (k ResourceKind) String() string {
	switch k {
	case KindPatient:
		return "Patient"
	case KindStudy:
		return "Study"
	case KindSeries:
		return "Series"
	case KindInstance:
		return "Instance"
	default:
		return fmt.Sprintf("ResourceKind(%d)", int16(k))
	}
}

// Child returns the kind immediately below k in the hierarchy.
func (k ResourceKind) Child() (ResourceKind, bool) {
	if k >= KindPatient && k < KindInstance {
		return k + 1, true
	}
	return 0, false
}

// Parent returns the kind immediately above k in the hierarchy.
func (k ResourceKind) Parent() (ResourceKind, bool) {
	if k > KindPatient && k <= KindInstance {
		return k - 1, true
	}
	return 0, false
}

// FileContentType identifies the payload of an attachment. Values in
// [UserContentTypeStart, UserContentTypeEnd] are reserved for plugins.
type FileContentType int32

const (
	ContentDicom       FileContentType = 1
	ContentDicomAsJSON FileContentType = 2

	UserContentTypeStart FileContentType = 1024
	UserContentTypeEnd   FileContentType = 65535
)

// IsUserContentType reports whether t falls in the plugin-reserved range.
func IsUserContentType(t FileContentType) bool {
	return t >= UserContentTypeStart && t <= UserContentTypeEnd
}

// CompressionKind is the on-disk encoding of an attachment blob.
type CompressionKind int16

const (
	CompressionNone CompressionKind = 1
	// CompressionZlibWithSize prefixes the zlib stream with the uncompressed
	// length as an 8-byte little-endian integer.
	CompressionZlibWithSize CompressionKind = 2
)

// MetadataType keys a typed metadata entry attached to a resource.
type MetadataType int32

const (
	MetaIndexInSeries  MetadataType = 1
	MetaReceptionDate  MetadataType = 2
	MetaRemoteAet      MetadataType = 3
	MetaModifiedFrom   MetadataType = 5
	MetaAnonymizedFrom MetadataType = 6
	MetaLastUpdate     MetadataType = 7
	MetaTransferSyntax MetadataType = 9
	MetaSopClassUID    MetadataType = 10
)

// ChangeType tags an entry of the change log.
type ChangeType int16

const (
	ChangeCompletedSeries ChangeType = 1
	ChangeDeleted         ChangeType = 2
	ChangeNewChildInstance ChangeType = 3
	ChangeNewInstance     ChangeType = 4
	ChangeNewPatient      ChangeType = 5
	ChangeNewSeries       ChangeType = 6
	ChangeNewStudy        ChangeType = 7
	ChangeAnonymized      ChangeType = 8
	ChangeModified        ChangeType = 10
	ChangeStablePatient   ChangeType = 14
	ChangeStableStudy     ChangeType = 15
	ChangeStableSeries    ChangeType = 16
)

// GlobalPropertyID keys an entry of the GlobalProperties table.
type GlobalPropertyID int32

const (
	PropertyDatabaseSchemaVersion GlobalPropertyID = 1
	PropertyFlushSleep            GlobalPropertyID = 2
	PropertyAnonymizationSequence GlobalPropertyID = 3
	PropertyJobsRegistry          GlobalPropertyID = 5
)
