package message

// ProtocolID identifies the protocol a message belongs to.
// An exchange only accepts messages whose protocol id it was opened for,
// with the exception of standalone acknowledgements handled below it.
type ProtocolID uint16

const (
	// ProtocolSecureChannel is the reserved protocol id carrying
	// reliability control messages such as standalone acknowledgements.
	ProtocolSecureChannel ProtocolID = 0x0000

	// ProtocolInteractionModel is the application data protocol id.
	ProtocolInteractionModel ProtocolID = 0x0001
)

// String returns a human-readable name for the protocol id.
func (p ProtocolID) String() string {
	switch p {
	case ProtocolSecureChannel:
		return "SecureChannel"
	case ProtocolInteractionModel:
		return "InteractionModel"
	default:
		return "Unknown"
	}
}
