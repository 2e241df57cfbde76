package session

import "errors"

// Errors returned by the session package.
var (
	// ErrNoTransport is returned when a session is created without a
	// transport.
	ErrNoTransport = errors.New("session: no transport configured")

	// ErrExchangeExists is returned when an allocated exchange id collides
	// with a live exchange.
	ErrExchangeExists = errors.New("session: exchange already exists")

	// ErrLoopStopped is returned when submitting work to a stopped loop.
	ErrLoopStopped = errors.New("session: loop stopped")
)
