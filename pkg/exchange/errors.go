package exchange

import "errors"

// Errors returned by the exchange package.
var (
	// ErrRetransmissionPending is returned when sending while a reliable
	// message is still awaiting acknowledgement. Callers must wait for the
	// prior message to be acknowledged; silently replacing it would corrupt
	// acknowledgement matching.
	ErrRetransmissionPending = errors.New("exchange: reliable message pending")

	// ErrMaxRetransmissions is returned when a reliable message exhausts its
	// retransmission budget without acknowledgement. The exchange is torn
	// down when this is reported.
	ErrMaxRetransmissions = errors.New("exchange: max retransmissions exceeded")

	// ErrNilPayload is returned when sending without a payload.
	ErrNilPayload = errors.New("exchange: nil payload")
)
