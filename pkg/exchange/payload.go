package exchange

import "github.com/peerwire/mrp/pkg/message"

// Payload is an application payload handed to Send.
// Each payload declares the protocol id and opcode of the messages that
// carry it.
type Payload interface {
	// ProtocolID returns the protocol the payload belongs to.
	ProtocolID() message.ProtocolID

	// Opcode returns the message type within the protocol.
	Opcode() uint8

	// Bytes returns the encoded payload body.
	Bytes() []byte
}

// ChunkedPayload is a payload too large for one transport frame. The
// exchange asks it to encode one chunk at a time and re-queues it at the
// front of the payload queue while chunks remain, so the fragments of one
// payload are never interleaved with other queued payloads.
type ChunkedPayload interface {
	Payload

	// EncodeChunk encodes the next chunk into buf and returns the number of
	// bytes written. The buffer is MaxChunkPayload bytes long.
	EncodeChunk(buf []byte) int

	// MoreChunks reports whether further chunks remain after the one most
	// recently encoded.
	MoreChunks() bool
}

// RawPayload is a plain single-frame payload around a byte slice.
type RawPayload struct {
	Protocol message.ProtocolID
	Op       uint8
	Data     []byte
}

// ProtocolID returns the protocol the payload belongs to.
func (p *RawPayload) ProtocolID() message.ProtocolID { return p.Protocol }

// Opcode returns the message type within the protocol.
func (p *RawPayload) Opcode() uint8 { return p.Op }

// Bytes returns the payload body.
func (p *RawPayload) Bytes() []byte { return p.Data }
