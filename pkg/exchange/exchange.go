package exchange

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/logging"

	"github.com/peerwire/mrp/pkg/message"
	"github.com/peerwire/mrp/pkg/securechannel"
)

// Session is what an exchange needs from its owning session.
//
// The session owns the exchange registries; the exchange never reaches into
// them directly and instead removes itself through Deregister.
type Session interface {
	// LocalNodeID returns the local node identifier stamped on outgoing
	// messages.
	LocalNodeID() uint64

	// Send stamps a message counter if unassigned and hands the message to
	// the transport. Called exactly once per constructed message, and again
	// for retransmissions of the identical message.
	Send(msg *message.Message) error

	// Deregister removes the exchange from the registry for the given role.
	Deregister(exchangeID uint16, role Role)

	// RetryInterval returns the peer's current retry-interval baseline
	// (idle or active, depending on recent peer activity). It feeds the
	// retransmission backoff.
	RetryInterval() time.Duration
}

// Config configures a new Exchange.
type Config struct {
	// ID is the exchange id. Allocated by the session when initiating,
	// taken from the inbound message when responding.
	ID uint16

	// Role is fixed at creation and never changes.
	Role Role

	// Protocols is the set of protocol ids this exchange accepts. Inbound
	// messages with other protocol ids are dropped.
	Protocols []message.ProtocolID

	// Session is the owning session. Required.
	Session Session

	// Clock is the time source for deadline polling.
	// If nil, the real clock is used.
	Clock clockwork.Clock

	// Random is the jitter source for backoff.
	// If nil, DefaultRandomSource is used.
	Random RandomSource

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Exchange tracks the reliability state of one conversation.
//
// State invariants:
//   - At most one pending retransmission at any time; sends are rejected
//     while one is outstanding.
//   - The owed acknowledgement counter and the standalone-ack deadline are
//     armed together. The deadline is disarmed when the ack is flushed or
//     piggybacked; the owed counter survives a flush that could not carry it
//     (a retransmission) so a later send can still piggyback it.
type Exchange struct {
	id        uint16
	role      Role
	protocols map[message.ProtocolID]struct{}
	session   Session
	clock     clockwork.Clock
	backoff   *Backoff
	log       logging.LeveledLogger

	// pendingAck is the message counter owed to the peer.
	pendingAck    uint32
	hasPendingAck bool

	// sendStandaloneAt is the deadline for flushing pendingAck as a
	// standalone ack. Zero when disarmed.
	sendStandaloneAt time.Time

	// pendingRetransmission is the last reliably sent message, kept until
	// the peer acknowledges its counter. Zero value of nextRetransmissionAt
	// and retransmitCount track it.
	pendingRetransmission *message.Message
	nextRetransmissionAt  time.Time
	retransmitCount       int

	// pendingPayloads is the ordered queue of payloads awaiting
	// transmission. The head is sent when the in-flight message is
	// acknowledged.
	pendingPayloads []Payload

	// closing is set once Close is called while a retransmission is still
	// outstanding; destruction then rides the next acknowledgement.
	closing bool
}

// New creates an exchange. The caller (the session) is responsible for
// placing it in the registry matching its role.
func New(config Config) *Exchange {
	e := &Exchange{
		id:        config.ID,
		role:      config.Role,
		protocols: make(map[message.ProtocolID]struct{}, len(config.Protocols)),
		session:   config.Session,
		clock:     config.Clock,
		backoff:   NewBackoff(config.Random),
	}

	for _, p := range config.Protocols {
		e.protocols[p] = struct{}{}
	}

	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("exchange")
	}

	return e
}

// ID returns the exchange id.
func (e *Exchange) ID() uint16 {
	return e.id
}

// Role returns the exchange role.
func (e *Exchange) Role() Role {
	return e.role
}

// IsInitiator returns true if the local node opened this exchange.
func (e *Exchange) IsInitiator() bool {
	return e.role == RoleInitiator
}

// Closing returns true once Close has been requested.
func (e *Exchange) Closing() bool {
	return e.closing
}

// HasPendingRetransmission returns true while a reliable message awaits
// acknowledgement.
func (e *Exchange) HasPendingRetransmission() bool {
	return e.pendingRetransmission != nil
}

// PendingAck returns the message counter owed to the peer, if any.
func (e *Exchange) PendingAck() (uint32, bool) {
	return e.pendingAck, e.hasPendingAck
}

// QueuedPayloads returns the number of payloads awaiting transmission.
func (e *Exchange) QueuedPayloads() int {
	return len(e.pendingPayloads)
}

// Send sends a payload reliably. The message carries any owed
// acknowledgement and is retransmitted with backoff until acknowledged.
//
// Returns ErrRetransmissionPending while a previous reliable message is
// still awaiting its acknowledgement.
func (e *Exchange) Send(payload Payload) error {
	if payload == nil {
		return ErrNilPayload
	}
	return e.send(payload, payload.ProtocolID(), payload.Opcode(), true)
}

// SendUnreliable sends a payload without retransmission tracking. Any owed
// acknowledgement still piggybacks on it.
func (e *Exchange) SendUnreliable(payload Payload) error {
	if payload == nil {
		return ErrNilPayload
	}
	return e.send(payload, payload.ProtocolID(), payload.Opcode(), false)
}

// SendStandaloneAck flushes an owed acknowledgement that cannot wait for a
// piggyback opportunity.
//
// If a retransmission is outstanding, the pending message itself is resent
// instead: it still needs acknowledging, and re-emitting it repeats whatever
// acknowledgement it already carries. Otherwise an unreliable payload-less
// standalone-ack message is sent.
func (e *Exchange) SendStandaloneAck() error {
	if e.pendingRetransmission != nil {
		if e.log != nil {
			e.log.Debugf("exchange %d: resending message %d in place of standalone ack",
				e.id, e.pendingRetransmission.Counter)
		}
		return e.session.Send(e.pendingRetransmission)
	}
	return e.send(nil, securechannel.ProtocolID, uint8(securechannel.OpcodeStandaloneAck), false)
}

// Queue appends a payload to the transmission queue. The head of the queue
// is sent when the in-flight reliable message is acknowledged.
func (e *Exchange) Queue(payload Payload) {
	e.pendingPayloads = append(e.pendingPayloads, payload)
}

// send builds and transmits one message.
func (e *Exchange) send(payload Payload, protocolID message.ProtocolID, opcode uint8, reliable bool) error {
	if e.pendingRetransmission != nil {
		return ErrRetransmissionPending
	}

	msg := &message.Message{
		Initiator:     e.role == RoleInitiator,
		Reliability:   reliable,
		Opcode:        opcode,
		ExchangeID:    e.id,
		ProtocolID:    protocolID,
		SourceNodeID:  e.session.LocalNodeID(),
		SourcePresent: true,
	}

	// Piggyback the owed acknowledgement, disarming the standalone deadline
	// with it.
	if e.hasPendingAck {
		msg.Acknowledgement = true
		msg.AckCounter = e.pendingAck
		e.clearPendingAck()
	}

	if chunked, ok := payload.(ChunkedPayload); ok {
		buf := make([]byte, MaxChunkPayload)
		n := chunked.EncodeChunk(buf)
		if chunked.MoreChunks() {
			// Front of the queue, so the remaining chunks go out before any
			// other queued payload.
			e.pendingPayloads = append([]Payload{payload}, e.pendingPayloads...)
		}
		msg.Payload = buf[:n]
	} else if payload != nil {
		msg.Payload = payload.Bytes()
	}

	if err := e.session.Send(msg); err != nil {
		return err
	}

	if reliable {
		e.pendingRetransmission = msg
		e.retransmitCount = 0
		e.nextRetransmissionAt = e.clock.Now().Add(e.backoff.Interval(e.session.RetryInterval(), 0))
	}

	return nil
}

// Receive processes an inbound message already demultiplexed to this
// exchange and reports whether it should be dropped instead of delivered to
// the application.
func (e *Exchange) Receive(msg *message.Message) bool {
	if msg.Acknowledgement {
		if msg.AckCounter == 0 {
			if e.log != nil {
				e.log.Debugf("exchange %d: dropping ack with missing counter", e.id)
			}
			return true
		}
		if e.pendingRetransmission != nil && msg.AckCounter != e.pendingRetransmission.Counter {
			if e.log != nil {
				e.log.Debugf("exchange %d: dropping ack for %d, awaiting %d",
					e.id, msg.AckCounter, e.pendingRetransmission.Counter)
			}
			return true
		}

		acked := e.pendingRetransmission != nil
		e.pendingRetransmission = nil
		e.nextRetransmissionAt = time.Time{}
		e.retransmitCount = 0

		if acked && len(e.pendingPayloads) > 0 {
			// The acknowledgement frees the retransmission slot; keep the
			// queued transfer moving.
			next := e.pendingPayloads[0]
			e.pendingPayloads = e.pendingPayloads[1:]
			if err := e.send(next, next.ProtocolID(), next.Opcode(), true); err != nil && e.log != nil {
				e.log.Warnf("exchange %d: sending queued payload: %v", e.id, err)
			}
		} else if e.closing && len(e.pendingPayloads) == 0 {
			e.destroy()
		}
	}

	if _, ok := e.protocols[msg.ProtocolID]; !ok {
		// Most commonly a standalone ack replying to an application
		// exchange; its acknowledgement was already consumed above.
		if e.log != nil {
			e.log.Debugf("exchange %d: dropping protocol %s message", e.id, msg.ProtocolID)
		}
		return true
	}

	if msg.Reliability {
		if msg.Duplicate {
			// The peer missed our acknowledgement; repeat it.
			if e.pendingRetransmission == nil && !e.hasPendingAck {
				e.pendingAck = msg.Counter
				e.hasPendingAck = true
			}
			if err := e.SendStandaloneAck(); err != nil && e.log != nil {
				e.log.Warnf("exchange %d: re-acknowledging duplicate %d: %v", e.id, msg.Counter, err)
			}
			return true
		}

		if e.hasPendingAck {
			// Flush the owed acknowledgement before overwriting it; an ack
			// must never be lost by coalescing.
			if err := e.SendStandaloneAck(); err != nil && e.log != nil {
				e.log.Warnf("exchange %d: flushing owed ack %d: %v", e.id, e.pendingAck, err)
			}
		}

		e.pendingAck = msg.Counter
		e.hasPendingAck = true
		e.sendStandaloneAt = e.clock.Now().Add(MRPStandaloneAckTimeout)
	}

	return msg.Duplicate
}

// Close requests termination.
//
// If a retransmission is outstanding, the pending message is resent to give
// the peer one more chance to acknowledge; destruction then happens when the
// acknowledgement arrives (or retransmissions are exhausted). Otherwise the
// exchange is deregistered immediately.
func (e *Exchange) Close() error {
	e.closing = true

	if e.pendingRetransmission != nil {
		return e.SendStandaloneAck()
	}

	e.destroy()
	return nil
}

// ResendPending is the periodic retransmission check. It does nothing until
// the retransmission deadline elapses, then either resends the identical
// pending message with the next backoff interval or, once the retry budget
// is exhausted, tears the exchange down and reports the delivery failure.
func (e *Exchange) ResendPending() error {
	if e.pendingRetransmission == nil {
		return nil
	}
	if e.clock.Now().Before(e.nextRetransmissionAt) {
		return nil
	}

	if e.retransmitCount+1 > MRPMaxTransmissions {
		counter := e.pendingRetransmission.Counter
		e.pendingRetransmission = nil
		e.nextRetransmissionAt = time.Time{}
		e.destroy()
		return fmt.Errorf("%w: message %d on exchange %d", ErrMaxRetransmissions, counter, e.id)
	}

	e.retransmitCount++
	if e.log != nil {
		e.log.Debugf("exchange %d: retransmission %d of message %d",
			e.id, e.retransmitCount, e.pendingRetransmission.Counter)
	}
	if err := e.session.Send(e.pendingRetransmission); err != nil && e.log != nil {
		e.log.Warnf("exchange %d: retransmit: %v", e.id, err)
	}
	e.nextRetransmissionAt = e.clock.Now().Add(
		e.backoff.Interval(e.session.RetryInterval(), e.retransmitCount))

	return nil
}

// FlushStandaloneAck is the periodic standalone-ack check. Once the
// standalone deadline elapses without an application message having
// piggybacked the owed acknowledgement, it is flushed via SendStandaloneAck
// and the deadline is disarmed.
func (e *Exchange) FlushStandaloneAck() {
	if e.sendStandaloneAt.IsZero() {
		return
	}
	if e.clock.Now().Before(e.sendStandaloneAt) {
		return
	}

	if err := e.SendStandaloneAck(); err != nil && e.log != nil {
		e.log.Warnf("exchange %d: standalone ack: %v", e.id, err)
	}
	// Disarm even when the flush rode a retransmission: the owed counter
	// stays recorded for a later piggyback instead of a dedicated packet.
	e.sendStandaloneAt = time.Time{}
}

// clearPendingAck disarms the owed acknowledgement and its deadline.
func (e *Exchange) clearPendingAck() {
	e.pendingAck = 0
	e.hasPendingAck = false
	e.sendStandaloneAt = time.Time{}
}

// destroy removes the exchange from its session registry.
func (e *Exchange) destroy() {
	if e.log != nil {
		e.log.Debugf("exchange %d closed", e.id)
	}
	e.session.Deregister(e.id, e.role)
}
