// Package dimse implements the DICOM upper-layer protocol and the DIMSE
// services the archive uses: associations, C-ECHO, C-FIND, C-STORE and
// C-MOVE, on both the client and the server side.
package dimse

import "strings"

// Transfer syntaxes the archive negotiates.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// Application context of the DICOM upper layer.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// SOP classes.
const (
	VerificationSOPClass = "1.2.840.10008.1.1"

	PatientRootFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootMove = "1.2.840.10008.5.1.4.1.2.1.2"
	StudyRootFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMove   = "1.2.840.10008.5.1.4.1.2.2.2"

	ModalityWorklistFind = "1.2.840.10008.5.1.4.31"
)

// Implementation identity sent during association negotiation.
const (
	ImplementationClassUID = "1.2.826.0.1.3680043.10.1456.1"
	ImplementationVersion  = "HALCYON_1"
	DefaultMaxPDULength    = 16384
)

// IsStorageSOPClass reports whether uid belongs to the storage service
// class, whose objects the archive accepts over C-STORE.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, "1.2.840.10008.5.1.4.1.1.")
}
