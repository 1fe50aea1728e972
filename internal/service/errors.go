package service

import "errors"

var (
	// ErrSessionNotFound covers both a missing session and a session owned
	// by another user, so existence is never leaked to the caller.
	ErrSessionNotFound = errors.New("import session not found")
	// ErrInvalidState is returned for operations against a session whose
	// status does not permit them.
	ErrInvalidState = errors.New("import session is not in a valid state for this operation")

	ErrAccountNotFound    = errors.New("bank account not found")
	ErrEmptyFile          = errors.New("uploaded file is empty")
	ErrFileTooLarge       = errors.New("uploaded file exceeds the maximum size")
	ErrUnsupportedMedia   = errors.New("unsupported file type")
	ErrAdapterUnavailable = errors.New("structuring service is not configured")
	ErrNoCandidates       = errors.New("no valid candidates were supplied")
)
