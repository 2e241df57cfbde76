package exchange

import "time"

// Message Reliability Protocol constants. These are fixed contract values;
// the retry-interval baseline they scale is session configuration (see the
// Session interface).
const (
	// MRPMaxTransmissions is the maximum number of retransmission attempts
	// for a reliable message. The retry that would exceed this count abandons
	// the exchange instead of sending.
	MRPMaxTransmissions = 5

	// MRPBackoffBase is the base for the exponential backoff equation.
	MRPBackoffBase = 1.6

	// MRPBackoffJitter is the scaler for random jitter in the backoff
	// equation.
	MRPBackoffJitter = 0.25

	// MRPBackoffMargin is the scaler margin increase over the peer's retry
	// interval baseline.
	MRPBackoffMargin = 1.1

	// MRPBackoffThreshold is the number of retransmissions before
	// transitioning from linear to exponential backoff.
	MRPBackoffThreshold = 1

	// MRPStandaloneAckTimeout is how long an owed acknowledgement waits for
	// a piggyback opportunity before a standalone ack is sent.
	MRPStandaloneAckTimeout = 200 * time.Millisecond
)

// MaxChunkPayload is the number of payload bytes a chunked payload may encode
// into one message, leaving header room within the 1280-byte frame budget.
const MaxChunkPayload = 1200
