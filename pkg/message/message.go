// Package message implements the message envelope and wire framing for the
// reliability layer.
//
// The package provides:
//   - The Message envelope carried between exchanges (flags, counters,
//     protocol id/opcode, exchange id, payload)
//   - Wire encoding/decoding of the envelope
//   - Outgoing message counter management and replay/duplicate detection
//
// All multi-byte fields are little-endian on the wire.
package message

import (
	"encoding/binary"
)

// Message is the envelope exchanged between two nodes.
//
// Outbound messages are built by the exchange layer and stamped with a
// counter by the session before transmission. Inbound messages additionally
// carry the Duplicate marker, set by the session's reception state before the
// message is handed to Exchange.Receive.
type Message struct {
	// Counter is the per-session message counter. Zero means "not yet
	// assigned"; the session stamps it on first send. Retransmissions keep
	// their original counter.
	Counter uint32

	// SourceNodeID is the 64-bit sender node id, present when SourcePresent.
	SourceNodeID uint64

	// SourcePresent indicates SourceNodeID is included (S flag).
	SourcePresent bool

	// Initiator indicates the sender initiated the exchange (I flag).
	Initiator bool

	// Acknowledgement indicates AckCounter is valid (A flag).
	Acknowledgement bool

	// Reliability indicates the sender wants an acknowledgement (R flag).
	Reliability bool

	// Opcode identifies the message type within the protocol.
	Opcode uint8

	// ExchangeID identifies the conversation this message belongs to.
	ExchangeID uint16

	// ProtocolID identifies the protocol that defines the opcode.
	ProtocolID ProtocolID

	// AckCounter is the counter of a previously received message being
	// acknowledged. Valid only when Acknowledgement is set; zero is treated
	// as missing since counters are initialized in [1, 2^28].
	AckCounter uint32

	// Payload is the application payload bytes.
	Payload []byte

	// Duplicate marks an inbound message whose counter was already seen.
	// Set by the session layer, never encoded on the wire.
	Duplicate bool
}

// Size returns the encoded size of the message in bytes.
func (m *Message) Size() int {
	size := MinMessageSize

	if m.SourcePresent {
		size += NodeIDSize
	}
	if m.Acknowledgement {
		size += 4
	}

	return size + len(m.Payload)
}

// Encode serializes the message to bytes.
func (m *Message) Encode() []byte {
	buf := make([]byte, m.Size())
	m.EncodeTo(buf)
	return buf
}

// EncodeTo serializes the message into the provided buffer.
// The buffer must be at least Size() bytes long.
// Returns the number of bytes written.
func (m *Message) EncodeTo(buf []byte) int {
	offset := 0

	// Message Flags byte
	var msgFlags uint8
	if m.SourcePresent {
		msgFlags |= msgFlagSource
	}
	buf[offset] = msgFlags
	offset++

	// Message Counter
	binary.LittleEndian.PutUint32(buf[offset:], m.Counter)
	offset += 4

	// Source Node ID (optional)
	if m.SourcePresent {
		binary.LittleEndian.PutUint64(buf[offset:], m.SourceNodeID)
		offset += 8
	}

	// Exchange Flags byte
	buf[offset] = m.exchangeFlags()
	offset++

	// Protocol Opcode
	buf[offset] = m.Opcode
	offset++

	// Exchange ID
	binary.LittleEndian.PutUint16(buf[offset:], m.ExchangeID)
	offset += 2

	// Protocol ID
	binary.LittleEndian.PutUint16(buf[offset:], uint16(m.ProtocolID))
	offset += 2

	// Acked Message Counter (optional)
	if m.Acknowledgement {
		binary.LittleEndian.PutUint32(buf[offset:], m.AckCounter)
		offset += 4
	}

	copy(buf[offset:], m.Payload)
	offset += len(m.Payload)

	return offset
}

// exchangeFlags constructs the Exchange Flags byte.
func (m *Message) exchangeFlags() uint8 {
	var flags uint8

	if m.Initiator {
		flags |= exchFlagInitiator
	}
	if m.Acknowledgement {
		flags |= exchFlagAcknowledgement
	}
	if m.Reliability {
		flags |= exchFlagReliability
	}

	return flags
}

// Decode deserializes a message from bytes.
// Returns an error if the buffer is truncated.
func Decode(data []byte) (*Message, error) {
	if len(data) < MinMessageSize {
		return nil, ErrMessageTooShort
	}

	m := &Message{}
	offset := 0

	msgFlags := data[offset]
	offset++
	m.SourcePresent = (msgFlags & msgFlagSource) != 0

	m.Counter = binary.LittleEndian.Uint32(data[offset:])
	offset += 4

	if m.SourcePresent {
		if len(data) < offset+NodeIDSize+minExchangeSection {
			return nil, ErrMessageTooShort
		}
		m.SourceNodeID = binary.LittleEndian.Uint64(data[offset:])
		offset += 8
	}

	exchFlags := data[offset]
	offset++
	m.Initiator = (exchFlags & exchFlagInitiator) != 0
	m.Acknowledgement = (exchFlags & exchFlagAcknowledgement) != 0
	m.Reliability = (exchFlags & exchFlagReliability) != 0

	m.Opcode = data[offset]
	offset++

	m.ExchangeID = binary.LittleEndian.Uint16(data[offset:])
	offset += 2

	m.ProtocolID = ProtocolID(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if m.Acknowledgement {
		if len(data) < offset+4 {
			return nil, ErrMessageTooShort
		}
		m.AckCounter = binary.LittleEndian.Uint32(data[offset:])
		offset += 4
	}

	if len(data) > offset {
		m.Payload = make([]byte, len(data)-offset)
		copy(m.Payload, data[offset:])
	}

	return m, nil
}

// NeedsAck returns true if this message requires an acknowledgement.
func (m *Message) NeedsAck() bool {
	return m.Reliability
}

// IsAck returns true if this message acknowledges a previous message.
func (m *Message) IsAck() bool {
	return m.Acknowledgement
}
