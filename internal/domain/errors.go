package domain

import (
	"context"
	"errors"
)

// Common domain errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("closed")

	// Admission errors
	ErrBlankSaveName   = errors.New("save name is blank")
	ErrTransferRunning = errors.New("previous transfer of the tag is still running")

	// Transport errors
	ErrEmptyBody           = errors.New("response body is null")
	ErrIncompleteBody      = errors.New("response body ended before the declared length")
	ErrBodyTooLong         = errors.New("response body exceeds the declared length")
	ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")
	ErrRangeMismatch       = errors.New("content range does not start at the requested offset")

	// Storage errors
	ErrInsufficientSpace = errors.New("insufficient space")
)

// ErrorKind classifies failures that end a download attempt
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAdmission
	KindTransport
	KindStorage
)

// String returns the kind name used in logs and events
func (k ErrorKind) String() string {
	switch k {
	case KindAdmission:
		return "admission"
	case KindTransport:
		return "transport"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// TransferError wraps a failure with its kind and the operation that produced it
type TransferError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error returns the error message
func (e *TransferError) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return e.Op + ": " + e.Err.Error()
		}
		return e.Op
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String() + " error"
}

// Unwrap returns the underlying error
func (e *TransferError) Unwrap() error {
	return e.Err
}

// NewAdmissionError creates an error for a rejected download request
func NewAdmissionError(err error) *TransferError {
	return &TransferError{Kind: KindAdmission, Err: err}
}

// NewTransportError creates an error for a network or protocol failure
func NewTransportError(op string, err error) *TransferError {
	return &TransferError{Kind: KindTransport, Op: op, Err: err}
}

// NewStorageError creates an error for a file or durable store failure
func NewStorageError(op string, err error) *TransferError {
	return &TransferError{Kind: KindStorage, Op: op, Err: err}
}

// KindOf returns the kind of the first TransferError in err's chain
func KindOf(err error) ErrorKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// IsAdmission returns true if the request was rejected before any task was created
func IsAdmission(err error) bool {
	return KindOf(err) == KindAdmission
}

// IsTransport returns true if the error came from the network side
func IsTransport(err error) bool {
	return KindOf(err) == KindTransport
}

// IsStorage returns true if the error came from the file or the durable store
func IsStorage(err error) bool {
	return KindOf(err) == KindStorage
}

// IsCancellation returns true for context cancellation, which is a pause and not a failure
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
