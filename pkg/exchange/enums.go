// Package exchange implements per-exchange message reliability.
//
// An Exchange represents a single conversation (request/response pair or
// longer transaction) between two nodes. The exchange owns all reliability
// state for that conversation:
//
//   - Acknowledgement piggybacking and standalone-ack scheduling
//   - Duplicate suppression for reliable inbound messages
//   - Retransmission of unacknowledged reliable messages with backoff
//   - Chunked payload queuing
//
// All timing is poll-based: deadlines are stored as timestamps on the
// exchange and compared against an injected clock by the periodic
// ResendPending and FlushStandaloneAck ticks. Nothing blocks and no timers
// fire callbacks; a session event loop drives every live exchange each tick.
//
// An Exchange is owned by exactly one session event loop and is not safe for
// concurrent use.
package exchange

// Role indicates whether the local node initiated an exchange or is
// responding to one.
//
// The initiator allocates the exchange id and sets the I flag on every
// message it sends; the responder reuses the initiator's id with the I flag
// clear. The role also selects which of the session's two registries holds
// the exchange.
type Role int

const (
	// RoleUnknown indicates an uninitialized or invalid role.
	RoleUnknown Role = iota

	// RoleInitiator indicates the local node opened this exchange.
	RoleInitiator

	// RoleResponder indicates the peer opened this exchange.
	RoleResponder
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the role is a defined value.
func (r Role) IsValid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// Invert returns the opposite role.
// Used when mapping the initiator bit of an inbound message to the local
// registry that holds the matching exchange.
func (r Role) Invert() Role {
	switch r {
	case RoleInitiator:
		return RoleResponder
	case RoleResponder:
		return RoleInitiator
	default:
		return RoleUnknown
	}
}
