// Package session implements the session collaborator of the reliability
// layer: exchange-id allocation, the initiator/responder exchange
// registries, duplicate marking of inbound messages, and the raw send path
// to the transport. It also provides the single-threaded event loop that
// drives all exchange ticks.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/logging"

	"github.com/peerwire/mrp/pkg/exchange"
	"github.com/peerwire/mrp/pkg/message"
	"github.com/peerwire/mrp/pkg/transport"
)

// Handler receives messages the reliability layer kept, and exchange
// delivery failures.
type Handler interface {
	// HandleMessage is called for every inbound message that survived
	// reliability processing (not a duplicate, not a control-only message).
	HandleMessage(ex *exchange.Exchange, msg *message.Message)

	// OnExchangeFailed is called when an exchange exhausts its
	// retransmission budget. The exchange is already deregistered.
	OnExchangeFailed(ex *exchange.Exchange, err error)
}

// Config configures a Session.
type Config struct {
	// LocalNodeID is stamped as the source node id on outgoing messages.
	LocalNodeID uint64

	// Params are the reliability timing parameters for this peer.
	// Zero fields take defaults.
	Params Params

	// Protocols is the default protocol-id set for exchanges the peer
	// opens (responder side). Initiator exchanges pass their own set to
	// NewExchange.
	Protocols []message.ProtocolID

	// Handler receives delivered messages and failure notifications.
	// Optional; without one, delivered messages are discarded.
	Handler Handler

	// Transport carries encoded frames to the peer. Required.
	Transport transport.Transport

	// PeerAddress is the peer's transport address.
	PeerAddress transport.PeerAddress

	// Clock is the time source for duplicate windows and exchange
	// deadlines. If nil, the real clock is used.
	Clock clockwork.Clock

	// Random is the jitter source handed to exchanges.
	// If nil, exchange.DefaultRandomSource is used.
	Random exchange.RandomSource

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Session owns the reliability state shared by all exchanges with one peer.
//
// A session and everything it owns is single-threaded: all methods must be
// called from the same goroutine, normally the Loop's. No internal locking
// is performed.
type Session struct {
	localNodeID uint64
	params      Params
	protocols   []message.ProtocolID
	handler     Handler
	tr          transport.Transport
	peer        transport.PeerAddress
	clock       clockwork.Clock
	random      exchange.RandomSource
	factory     logging.LoggerFactory
	log         logging.LeveledLogger

	// nextExchangeID starts at a random value and increments per exchange.
	nextExchangeID uint16

	// The two registries. An exchange lives in exactly one of them, keyed
	// by its exchange id, for its entire lifetime.
	initiatorExchanges map[uint16]*exchange.Exchange
	responderExchanges map[uint16]*exchange.Exchange

	counter   *message.Counter
	reception *message.ReceptionState

	// lastPeerActivity drives the idle/active retry baseline choice.
	lastPeerActivity time.Time
}

// New creates a session.
func New(config Config) (*Session, error) {
	if config.Transport == nil {
		return nil, ErrNoTransport
	}

	s := &Session{
		localNodeID:        config.LocalNodeID,
		params:             config.Params.withDefaults(),
		protocols:          config.Protocols,
		handler:            config.Handler,
		tr:                 config.Transport,
		peer:               config.PeerAddress,
		clock:              config.Clock,
		random:             config.Random,
		factory:            config.LoggerFactory,
		initiatorExchanges: make(map[uint16]*exchange.Exchange),
		responderExchanges: make(map[uint16]*exchange.Exchange),
		counter:            message.NewCounter(),
		reception:          message.NewReceptionState(),
	}

	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("session")
	}

	// First exchange id is random, subsequent ones increment.
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err == nil {
		s.nextExchangeID = binary.LittleEndian.Uint16(buf[:])
	}

	return s, nil
}

// LocalNodeID returns the local node identifier.
func (s *Session) LocalNodeID() uint64 {
	return s.localNodeID
}

// NextExchangeID allocates the next exchange id.
func (s *Session) NextExchangeID() uint16 {
	id := s.nextExchangeID
	s.nextExchangeID++
	return id
}

// NewExchange opens an exchange as initiator, registered immediately.
// If no protocols are given, the session's default set is used.
func (s *Session) NewExchange(protocols ...message.ProtocolID) (*exchange.Exchange, error) {
	if len(protocols) == 0 {
		protocols = s.protocols
	}

	id := s.NextExchangeID()
	if _, exists := s.initiatorExchanges[id]; exists {
		return nil, ErrExchangeExists
	}

	ex := exchange.New(exchange.Config{
		ID:            id,
		Role:          exchange.RoleInitiator,
		Protocols:     protocols,
		Session:       s,
		Clock:         s.clock,
		Random:        s.random,
		LoggerFactory: s.factory,
	})
	s.initiatorExchanges[id] = ex

	if s.log != nil {
		s.log.Debugf("new initiator exchange %d", id)
	}

	return ex, nil
}

// Send stamps a counter on the message if it has none, encodes it and hands
// it to the transport. Retransmissions arrive here with their counter
// already assigned and keep it.
func (s *Session) Send(msg *message.Message) error {
	if msg.Counter == 0 {
		msg.Counter = s.counter.Next()
	}

	encoded := msg.Encode()
	if len(encoded) > message.MaxFrameSize {
		return message.ErrMessageTooLarge
	}

	return s.tr.Send(encoded, s.peer)
}

// Deregister removes an exchange from the registry for the given role.
func (s *Session) Deregister(exchangeID uint16, role exchange.Role) {
	switch role {
	case exchange.RoleInitiator:
		delete(s.initiatorExchanges, exchangeID)
	case exchange.RoleResponder:
		delete(s.responderExchanges, exchangeID)
	}
}

// RetryInterval returns the current retransmission baseline: the active
// interval while the peer has been heard from within the active threshold,
// the idle interval otherwise.
func (s *Session) RetryInterval() time.Duration {
	if !s.lastPeerActivity.IsZero() &&
		s.clock.Now().Sub(s.lastPeerActivity) < s.params.ActiveThreshold {
		return s.params.ActiveInterval
	}
	return s.params.IdleInterval
}

// ExchangeCount returns the number of live exchanges across both registries.
func (s *Session) ExchangeCount() int {
	return len(s.initiatorExchanges) + len(s.responderExchanges)
}

// GetExchange returns a live exchange by id and role.
func (s *Session) GetExchange(exchangeID uint16, role exchange.Role) (*exchange.Exchange, bool) {
	switch role {
	case exchange.RoleInitiator:
		ex, ok := s.initiatorExchanges[exchangeID]
		return ex, ok
	case exchange.RoleResponder:
		ex, ok := s.responderExchanges[exchangeID]
		return ex, ok
	default:
		return nil, false
	}
}

// HandleDatagram decodes an inbound frame, marks duplicates, routes the
// message to the exchange matching its exchange id and initiator bit, and
// delivers kept messages to the handler. Unknown exchange ids opened by the
// peer create a responder exchange; anything else unroutable is dropped.
func (s *Session) HandleDatagram(data []byte) {
	msg, err := message.Decode(data)
	if err != nil {
		if s.log != nil {
			s.log.Debugf("dropping malformed frame: %v", err)
		}
		return
	}

	msg.Duplicate = !s.reception.Observe(msg.Counter)
	s.lastPeerActivity = s.clock.Now()

	// The sender's initiator bit tells us which of our registries holds
	// the exchange: their initiator exchanges are our responder ones.
	ourRole := exchange.RoleInitiator
	if msg.Initiator {
		ourRole = exchange.RoleResponder
	}

	registry := s.initiatorExchanges
	if ourRole == exchange.RoleResponder {
		registry = s.responderExchanges
	}

	ex, ok := registry[msg.ExchangeID]
	if !ok {
		if !msg.Initiator {
			// A reply to an exchange we no longer have; nothing to ack it
			// against.
			if s.log != nil {
				s.log.Debugf("dropping message for unknown exchange %d", msg.ExchangeID)
			}
			return
		}
		if msg.Duplicate {
			// Duplicate of a first message whose exchange already completed.
			if s.log != nil {
				s.log.Debugf("dropping duplicate %d for closed exchange %d", msg.Counter, msg.ExchangeID)
			}
			return
		}

		ex = exchange.New(exchange.Config{
			ID:            msg.ExchangeID,
			Role:          exchange.RoleResponder,
			Protocols:     s.protocols,
			Session:       s,
			Clock:         s.clock,
			Random:        s.random,
			LoggerFactory: s.factory,
		})
		s.responderExchanges[msg.ExchangeID] = ex

		if s.log != nil {
			s.log.Debugf("new responder exchange %d", msg.ExchangeID)
		}
	}

	if ex.Receive(msg) {
		return
	}

	if s.handler != nil {
		s.handler.HandleMessage(ex, msg)
	}
}

// Tick runs the periodic reliability checks on every live exchange:
// retransmission deadlines first, then standalone-ack flushes. Reliability
// failures deregister the exchange and are reported to the handler.
func (s *Session) Tick() {
	for _, ex := range s.liveExchanges() {
		if err := ex.ResendPending(); err != nil {
			if s.log != nil {
				s.log.Warnf("exchange %d abandoned: %v", ex.ID(), err)
			}
			if s.handler != nil {
				s.handler.OnExchangeFailed(ex, err)
			}
			continue
		}
		ex.FlushStandaloneAck()
	}
}

// liveExchanges snapshots both registries so ticks may deregister while
// iterating.
func (s *Session) liveExchanges() []*exchange.Exchange {
	exchanges := make([]*exchange.Exchange, 0, s.ExchangeCount())
	for _, ex := range s.initiatorExchanges {
		exchanges = append(exchanges, ex)
	}
	for _, ex := range s.responderExchanges {
		exchanges = append(exchanges, ex)
	}
	return exchanges
}

// Close closes every live exchange.
func (s *Session) Close() {
	for _, ex := range s.liveExchanges() {
		if err := ex.Close(); err != nil && s.log != nil {
			s.log.Warnf("closing exchange %d: %v", ex.ID(), err)
		}
	}
}
