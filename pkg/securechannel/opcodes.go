// Package securechannel defines the reserved secure channel protocol
// identifiers used by the reliability layer.
//
// Only the control opcodes relevant to message reliability are defined here;
// session establishment itself is handled outside this module.
package securechannel

import "github.com/peerwire/mrp/pkg/message"

// ProtocolID is the reserved secure channel protocol identifier.
const ProtocolID = message.ProtocolSecureChannel

// Opcode represents a secure channel control message type.
type Opcode uint8

const (
	// Message counter synchronization.
	OpcodeMsgCounterSyncReq  Opcode = 0x00
	OpcodeMsgCounterSyncResp Opcode = 0x01

	// OpcodeStandaloneAck is a payload-less acknowledgement sent when an
	// owed ack cannot wait for a piggyback opportunity.
	OpcodeStandaloneAck Opcode = 0x10

	// OpcodeStatusReport carries protocol status between peers.
	OpcodeStatusReport Opcode = 0x40
)

// String returns the opcode name.
func (o Opcode) String() string {
	switch o {
	case OpcodeMsgCounterSyncReq:
		return "MsgCounterSyncReq"
	case OpcodeMsgCounterSyncResp:
		return "MsgCounterSyncResp"
	case OpcodeStandaloneAck:
		return "StandaloneAck"
	case OpcodeStatusReport:
		return "StatusReport"
	default:
		return "Unknown"
	}
}
