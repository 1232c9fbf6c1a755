// Package errs defines the error taxonomy shared by the index, the DICOM
// network layer and the REST surface.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Callers match them with errors.Is.
var (
	ErrBadRequest           = errors.New("bad request")
	ErrParameterOutOfRange  = errors.New("parameter out of range")
	ErrUnknownResource      = errors.New("unknown resource")
	ErrInexistentItem       = errors.New("inexistent item")
	ErrInexistentFile       = errors.New("inexistent file in storage area")
	ErrAlreadyExistingTag   = errors.New("tag is already registered")
	ErrBadSequenceOfCalls   = errors.New("bad sequence of calls")
	ErrTimeout              = errors.New("timeout")
	ErrFullStorage          = errors.New("the storage quota is reached and no patient can be recycled")
	ErrBadFileFormat        = errors.New("bad file format")
	ErrCorruptedFile        = errors.New("corrupted file")
	ErrDatabase             = errors.New("database error")
	ErrIncompatibleDatabase = errors.New("incompatible database schema version")
	ErrNotImplemented       = errors.New("not implemented")
)

// NetworkProtocolError reports a DIMSE exchange that terminated with a status
// that is neither success nor pending, or a broken socket.
type NetworkProtocolError struct {
	RemoteAET string
	Operation string
	Status    uint16
	Err       error
}

func (e *NetworkProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("DIMSE %s with %s failed: %v", e.Operation, e.RemoteAET, e.Err)
	}
	return fmt.Sprintf("DIMSE %s with %s failed with status 0x%04X", e.Operation, e.RemoteAET, e.Status)
}

func (e *NetworkProtocolError) Unwrap() error {
	return e.Err
}

// NewNetworkProtocol creates a NetworkProtocolError carrying the remote AET
// and the raw DIMSE status code.
func NewNetworkProtocol(remoteAET, operation string, status uint16) *NetworkProtocolError {
	return &NetworkProtocolError{RemoteAET: remoteAET, Operation: operation, Status: status}
}

// WrapNetwork creates a NetworkProtocolError around a transport failure.
func WrapNetwork(remoteAET, operation string, err error) *NetworkProtocolError {
	return &NetworkProtocolError{RemoteAET: remoteAET, Operation: operation, Err: err}
}

// Status 0xA700 means "refused: out of resources, unable to process" and maps
// to 422 on the REST side.
const StatusUnableToProcess = 0xA700

// HTTPStatus maps an error from the core onto the HTTP status code the REST
// layer must return.
func HTTPStatus(err error) int {
	var network *NetworkProtocolError

	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrParameterOutOfRange),
		errors.Is(err, ErrBadFileFormat):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownResource),
		errors.Is(err, ErrInexistentItem):
		return http.StatusNotFound
	case errors.Is(err, ErrFullStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &network):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
