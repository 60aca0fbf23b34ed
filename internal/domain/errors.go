package domain

import "errors"

var (
	// ErrNotFound is returned when an operation references an unknown fingerprint.
	ErrNotFound = errors.New("transfer not found")
	// ErrParse is returned when descriptor bytes are not a well-formed metainfo file.
	ErrParse = errors.New("malformed descriptor")
	// ErrInvalidTransition is returned when a control call asks for a lifecycle
	// transition the state machine does not define.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrShutdown is returned by control calls issued after Shutdown.
	ErrShutdown = errors.New("manager is shut down")
)
