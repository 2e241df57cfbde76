package message

import "errors"

// Errors returned by the message package.
var (
	// ErrMessageTooShort is returned when decoding a truncated message.
	ErrMessageTooShort = errors.New("message: message too short")

	// ErrMessageTooLarge is returned when a message exceeds the frame budget.
	ErrMessageTooLarge = errors.New("message: message exceeds maximum frame size")
)

// Wire format sizes.
const (
	// MinMessageSize is the minimum encoded message size in bytes:
	// message flags + counter + exchange flags + opcode + exchange id +
	// protocol id.
	MinMessageSize = 1 + 4 + minExchangeSection

	// minExchangeSection is the fixed exchange header portion.
	minExchangeSection = 1 + 1 + 2 + 2

	// NodeIDSize is the size of a node identifier in bytes.
	NodeIDSize = 8

	// MaxFrameSize is the transport frame budget in bytes.
	MaxFrameSize = 1280
)

// Message Flags bit positions.
const (
	// msgFlagSource is the S flag: Source Node ID present.
	msgFlagSource uint8 = 0x04
)

// Exchange Flags bit positions.
const (
	// exchFlagInitiator is the I flag.
	exchFlagInitiator uint8 = 0x01

	// exchFlagAcknowledgement is the A flag.
	exchFlagAcknowledgement uint8 = 0x02

	// exchFlagReliability is the R flag.
	exchFlagReliability uint8 = 0x04
)

// CounterInitMax is the exclusive upper bound for initial counter values (2^28).
// Counters are initialized to random values in [1, CounterInitMax].
const CounterInitMax = 1 << 28
