package transport

import "errors"

// Errors returned by the transport package.
var (
	// ErrClosed is returned when using a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrAlreadyStarted is returned when starting a transport twice.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrNoHandler is returned when a transport is created without a handler.
	ErrNoHandler = errors.New("transport: no handler configured")

	// ErrFrameTooLarge is returned when a datagram exceeds the frame budget.
	ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")

	// ErrInvalidAddress is returned when sending to an unusable peer address.
	ErrInvalidAddress = errors.New("transport: invalid peer address")
)
