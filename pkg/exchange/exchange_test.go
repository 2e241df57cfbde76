package exchange

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/peerwire/mrp/pkg/message"
	"github.com/peerwire/mrp/pkg/securechannel"
)

// fakeSession records everything the exchange hands to its session.
type fakeSession struct {
	sent          []*message.Message
	nextCounter   uint32
	deregistered  []deregistration
	retryInterval time.Duration
	sendErr       error
}

type deregistration struct {
	id   uint16
	role Role
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		nextCounter:   100,
		retryInterval: 300 * time.Millisecond,
	}
}

func (s *fakeSession) LocalNodeID() uint64 { return 0xAA }

func (s *fakeSession) Send(msg *message.Message) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	if msg.Counter == 0 {
		msg.Counter = s.nextCounter
		s.nextCounter++
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSession) Deregister(exchangeID uint16, role Role) {
	s.deregistered = append(s.deregistered, deregistration{id: exchangeID, role: role})
}

func (s *fakeSession) RetryInterval() time.Duration { return s.retryInterval }

func newTestExchange(sess *fakeSession, clock clockwork.Clock) *Exchange {
	return New(Config{
		ID:        1,
		Role:      RoleInitiator,
		Protocols: []message.ProtocolID{message.ProtocolInteractionModel},
		Session:   sess,
		Clock:     clock,
		Random:    mockRandomSource{value: 0},
	})
}

func appPayload(data ...byte) *RawPayload {
	return &RawPayload{
		Protocol: message.ProtocolInteractionModel,
		Op:       0x05,
		Data:     data,
	}
}

// inbound builds a reliable application message from the peer.
func inbound(counter uint32) *message.Message {
	return &message.Message{
		Counter:     counter,
		Reliability: true,
		Opcode:      0x05,
		ExchangeID:  1,
		ProtocolID:  message.ProtocolInteractionModel,
	}
}

// ackFor builds the peer's acknowledgement of our counter.
func ackFor(counter uint32) *message.Message {
	return &message.Message{
		Counter:         5000,
		Acknowledgement: true,
		AckCounter:      counter,
		Opcode:          0x05,
		ExchangeID:      1,
		ProtocolID:      message.ProtocolInteractionModel,
	}
}

func TestSendSetsReliabilityState(t *testing.T) {
	sess := newFakeSession()
	clock := clockwork.NewFakeClock()
	ex := newTestExchange(sess, clock)

	if err := ex.Send(appPayload(1, 2, 3)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(sess.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sess.sent))
	}
	msg := sess.sent[0]
	if !msg.Reliability {
		t.Error("R flag not set on reliable send")
	}
	if !msg.Initiator {
		t.Error("I flag not set for initiator exchange")
	}
	if msg.Counter == 0 {
		t.Error("counter not stamped")
	}
	if !ex.HasPendingRetransmission() {
		t.Error("no pending retransmission after reliable send")
	}
}

func TestSendRejectedWhileRetransmissionPending(t *testing.T) {
	sess := newFakeSession()
	ex := newTestExchange(sess, clockwork.NewFakeClock())

	if err := ex.Send(appPayload(1)); err != nil {
		t.Fatalf("first Send: %v", err)
	}

	if err := ex.Send(appPayload(2)); !errors.Is(err, ErrRetransmissionPending) {
		t.Errorf("second Send err = %v, want ErrRetransmissionPending", err)
	}
	if err := ex.SendUnreliable(appPayload(3)); !errors.Is(err, ErrRetransmissionPending) {
		t.Errorf("SendUnreliable err = %v, want ErrRetransmissionPending", err)
	}

	// After the acknowledgement, sending succeeds again.
	if drop := ex.Receive(ackFor(sess.sent[0].Counter)); drop {
		t.Error("plain acknowledged message dropped")
	}
	if err := ex.Send(appPayload(4)); err != nil {
		t.Errorf("Send after ack: %v", err)
	}
}

// An acknowledgement before the deadline clears the pending retransmission
// and no retransmission ever happens.
func TestAckBeforeDeadline(t *testing.T) {
	sess := newFakeSession()
	clock := clockwork.NewFakeClock()
	ex := newTestExchange(sess, clock)

	if err := ex.Send(appPayload(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	counter := sess.sent[0].Counter

	ex.Receive(ackFor(counter))

	if ex.HasPendingRetransmission() {
		t.Error("pending retransmission not cleared by ack")
	}

	clock.Advance(10 * time.Second)
	if err := ex.ResendPending(); err != nil {
		t.Fatalf("ResendPending: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Errorf("sent %d messages, want 1 (no retransmission)", len(sess.sent))
	}
}

// With no acknowledgement, exactly one identical retransmission goes out
// once the deadline elapses.
func TestRetransmissionAfterDeadline(t *testing.T) {
	sess := newFakeSession()
	clock := clockwork.NewFakeClock()
	ex := newTestExchange(sess, clock)

	if err := ex.Send(appPayload(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Zero jitter: deadline is 300ms * 1.1 = 330ms out.
	clock.Advance(329 * time.Millisecond)
	if err := ex.ResendPending(); err != nil {
		t.Fatalf("ResendPending: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("retransmitted before deadline")
	}

	clock.Advance(2 * time.Millisecond)
	if err := ex.ResendPending(); err != nil {
		t.Fatalf("ResendPending: %v", err)
	}
	if len(sess.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sess.sent))
	}
	if sess.sent[1] != sess.sent[0] {
		t.Error("retransmission is not the identical message")
	}
	if sess.sent[1].Counter != sess.sent[0].Counter {
		t.Error("retransmission changed the message counter")
	}

	// The next deadline was rescheduled; an immediate tick does nothing.
	if err := ex.ResendPending(); err != nil {
		t.Fatalf("ResendPending: %v", err)
	}
	if len(sess.sent) != 2 {
		t.Error("extra retransmission before the rescheduled deadline")
	}
}

func TestRetransmissionExhaustion(t *testing.T) {
	sess := newFakeSession()
	clock := clockwork.NewFakeClock()
	ex := newTestExchange(sess, clock)

	if err := ex.Send(appPayload(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Retries 1..MRPMaxTransmissions succeed.
	for i := 1; i <= MRPMaxTransmissions; i++ {
		clock.Advance(10 * time.Second)
		if err := ex.ResendPending(); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if len(sess.sent) != 1+i {
			t.Fatalf("retry %d: sent %d messages, want %d", i, len(sess.sent), 1+i)
		}
	}

	// The next attempt abandons the exchange instead of sending.
	clock.Advance(10 * time.Second)
	err := ex.ResendPending()
	if !errors.Is(err, ErrMaxRetransmissions) {
		t.Fatalf("err = %v, want ErrMaxRetransmissions", err)
	}
	if len(sess.sent) != 1+MRPMaxTransmissions {
		t.Errorf("sent %d messages, want %d", len(sess.sent), 1+MRPMaxTransmissions)
	}
	if ex.HasPendingRetransmission() {
		t.Error("pending retransmission survived exhaustion")
	}
	if len(sess.deregistered) != 1 || sess.deregistered[0] != (deregistration{id: 1, role: RoleInitiator}) {
		t.Errorf("deregistrations = %v, want exchange 1 initiator", sess.deregistered)
	}
}

func TestReceiveDropsBadAcks(t *testing.T) {
	sess := newFakeSession()
	ex := newTestExchange(sess, clockwork.NewFakeClock())

	if err := ex.Send(appPayload(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	counter := sess.sent[0].Counter

	missing := ackFor(0)
	if !ex.Receive(missing) {
		t.Error("ack with missing counter not dropped")
	}
	if !ex.HasPendingRetransmission() {
		t.Error("missing-counter ack cleared the retransmission")
	}

	wrong := ackFor(counter + 7)
	if !ex.Receive(wrong) {
		t.Error("ack for the wrong counter not dropped")
	}
	if !ex.HasPendingRetransmission() {
		t.Error("wrong-counter ack cleared the retransmission")
	}

	if ex.Receive(ackFor(counter)) {
		t.Error("valid acknowledged message dropped")
	}
	if ex.HasPendingRetransmission() {
		t.Error("valid ack did not clear the retransmission")
	}
}

func TestProtocolMismatchDroppedAfterAck(t *testing.T) {
	sess := newFakeSession()
	ex := newTestExchange(sess, clockwork.NewFakeClock())

	if err := ex.Send(appPayload(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// A standalone ack replies on the secure channel protocol, which this
	// exchange does not accept: the ack is consumed, the message dropped.
	standalone := &message.Message{
		Counter:         6000,
		Acknowledgement: true,
		AckCounter:      sess.sent[0].Counter,
		Opcode:          uint8(securechannel.OpcodeStandaloneAck),
		ExchangeID:      1,
		ProtocolID:      message.ProtocolSecureChannel,
	}
	if !ex.Receive(standalone) {
		t.Error("secure channel message delivered to application exchange")
	}
	if ex.HasPendingRetransmission() {
		t.Error("standalone ack did not clear the retransmission")
	}
}

// An owed ack piggybacks on the next send within the window and no
// standalone ack is ever emitted.
func TestAckPiggybacksOnSend(t *testing.T) {
	sess := newFakeSession()
	clock := clockwork.NewFakeClock()
	ex := newTestExchange(sess, clock)

	if drop := ex.Receive(inbound(5)); drop {
		t.Fatal("fresh reliable message dropped")
	}
	if counter, ok := ex.PendingAck(); !ok || counter != 5 {
		t.Fatalf("PendingAck() = %d, %v; want 5, true", counter, ok)
	}

	clock.Advance(100 * time.Millisecond)
	ex.FlushStandaloneAck()
	if len(sess.sent) != 0 {
		t.Fatal("standalone ack sent before the 200ms window elapsed")
	}

	if err := ex.Send(appPayload(9)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := sess.sent[0]
	if !msg.Acknowledgement || msg.AckCounter != 5 {
		t.Errorf("piggyback ack = (%v, %d), want (true, 5)", msg.Acknowledgement, msg.AckCounter)
	}
	if _, ok := ex.PendingAck(); ok {
		t.Error("owed ack not cleared by piggyback")
	}

	// The standalone deadline is disarmed with it.
	clock.Advance(time.Second)
	ex.FlushStandaloneAck()
	if len(sess.sent) != 1 {
		t.Error("standalone ack sent after piggyback")
	}
}

// With no outgoing traffic, exactly one standalone ack goes out once the
// 200ms window elapses.
func TestStandaloneAckAfterTimeout(t *testing.T) {
	sess := newFakeSession()
	clock := clockwork.NewFakeClock()
	ex := newTestExchange(sess, clock)

	ex.Receive(inbound(5))

	clock.Advance(MRPStandaloneAckTimeout)
	ex.FlushStandaloneAck()

	if len(sess.sent) != 1 {
		t.Fatalf("sent %d messages, want 1 standalone ack", len(sess.sent))
	}
	msg := sess.sent[0]
	if msg.ProtocolID != message.ProtocolSecureChannel || msg.Opcode != uint8(securechannel.OpcodeStandaloneAck) {
		t.Errorf("standalone ack protocol/opcode = %v/%#x", msg.ProtocolID, msg.Opcode)
	}
	if msg.Reliability {
		t.Error("standalone ack must not be reliable")
	}
	if !msg.Acknowledgement || msg.AckCounter != 5 {
		t.Errorf("standalone ack counter = (%v, %d), want (true, 5)", msg.Acknowledgement, msg.AckCounter)
	}
	if len(msg.Payload) != 0 {
		t.Error("standalone ack carries a payload")
	}

	// Flushing again does nothing.
	clock.Advance(time.Second)
	ex.FlushStandaloneAck()
	if len(sess.sent) != 1 {
		t.Error("standalone ack sent twice")
	}
}

// A duplicate reliable message is re-acknowledged and never delivered
// twice.
func TestDuplicateReacknowledged(t *testing.T) {
	sess := newFakeSession()
	clock := clockwork.NewFakeClock()
	ex := newTestExchange(sess, clock)

	if drop := ex.Receive(inbound(5)); drop {
		t.Fatal("first delivery dropped")
	}

	// The owed ack is flushed as a standalone ack.
	clock.Advance(MRPStandaloneAckTimeout)
	ex.FlushStandaloneAck()
	if len(sess.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sess.sent))
	}

	// The peer missed it and retransmits; the session marks the duplicate.
	dup := inbound(5)
	dup.Duplicate = true
	if drop := ex.Receive(dup); !drop {
		t.Error("duplicate delivered to application")
	}

	if len(sess.sent) != 2 {
		t.Fatalf("sent %d messages, want 2 (re-ack)", len(sess.sent))
	}
	reack := sess.sent[1]
	if !reack.Acknowledgement || reack.AckCounter != 5 {
		t.Errorf("re-ack counter = (%v, %d), want (true, 5)", reack.Acknowledgement, reack.AckCounter)
	}
}

// An owed ack is flushed via standalone send before a newer reliable
// message overwrites it: acknowledgements are never lost by coalescing.
func TestOwedAckFlushedBeforeOverwrite(t *testing.T) {
	sess := newFakeSession()
	ex := newTestExchange(sess, clockwork.NewFakeClock())

	ex.Receive(inbound(5))
	if drop := ex.Receive(inbound(6)); drop {
		t.Fatal("second reliable message dropped")
	}

	if len(sess.sent) != 1 {
		t.Fatalf("sent %d messages, want 1 flushed ack", len(sess.sent))
	}
	flushed := sess.sent[0]
	if !flushed.Acknowledgement || flushed.AckCounter != 5 {
		t.Errorf("flushed ack counter = (%v, %d), want (true, 5)", flushed.Acknowledgement, flushed.AckCounter)
	}

	if counter, ok := ex.PendingAck(); !ok || counter != 6 {
		t.Errorf("PendingAck() = %d, %v; want 6, true", counter, ok)
	}
}

func TestDuplicateResendsPendingRetransmission(t *testing.T) {
	sess := newFakeSession()
	ex := newTestExchange(sess, clockwork.NewFakeClock())

	if err := ex.Send(appPayload(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dup := inbound(5)
	dup.Duplicate = true
	if drop := ex.Receive(dup); !drop {
		t.Error("duplicate delivered to application")
	}

	// With a retransmission outstanding the pending message itself is
	// resent instead of a distinct standalone ack.
	if len(sess.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sess.sent))
	}
	if sess.sent[1] != sess.sent[0] {
		t.Error("expected resend of the pending message")
	}
}

func TestCloseWithoutRetransmission(t *testing.T) {
	sess := newFakeSession()
	ex := newTestExchange(sess, clockwork.NewFakeClock())

	if err := ex.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !ex.Closing() {
		t.Error("Closing() = false after Close")
	}
	if len(sess.deregistered) != 1 {
		t.Fatalf("deregistrations = %v, want 1", sess.deregistered)
	}
}

func TestCloseDeferredUntilAck(t *testing.T) {
	sess := newFakeSession()
	ex := newTestExchange(sess, clockwork.NewFakeClock())

	if err := ex.Send(appPayload(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := ex.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sess.deregistered) != 0 {
		t.Fatal("exchange destroyed while retransmission outstanding")
	}
	// Close resends the pending message once.
	if len(sess.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sess.sent))
	}

	ex.Receive(ackFor(sess.sent[0].Counter))
	if len(sess.deregistered) != 1 {
		t.Error("closing exchange not destroyed by final ack")
	}
}

func TestClosingWithQueuedPayloadsStaysRegistered(t *testing.T) {
	sess := newFakeSession()
	ex := newTestExchange(sess, clockwork.NewFakeClock())

	if err := ex.Send(appPayload(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ex.Queue(appPayload(2))

	if err := ex.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Ack for the first message drains the queue instead of destroying.
	ex.Receive(ackFor(sess.sent[0].Counter))
	if len(sess.deregistered) != 0 {
		t.Fatal("closing exchange destroyed with payloads still queued")
	}
	if ex.QueuedPayloads() != 0 {
		t.Error("queued payload not drained by ack")
	}
	queued := sess.sent[len(sess.sent)-1]
	if !queued.Reliability || len(queued.Payload) != 1 || queued.Payload[0] != 2 {
		t.Errorf("drained send = %+v, want reliable payload [2]", queued)
	}

	// Ack for the drained payload completes the close.
	ex.Receive(ackFor(queued.Counter))
	if len(sess.deregistered) != 1 {
		t.Error("closing exchange not destroyed after queue drained")
	}
}

// fakeChunkedPayload hands out fixed chunks one EncodeChunk call at a time.
type fakeChunkedPayload struct {
	chunks [][]byte
	next   int
}

func (p *fakeChunkedPayload) ProtocolID() message.ProtocolID { return message.ProtocolInteractionModel }
func (p *fakeChunkedPayload) Opcode() uint8                  { return 0x05 }
func (p *fakeChunkedPayload) Bytes() []byte                  { return nil }

func (p *fakeChunkedPayload) EncodeChunk(buf []byte) int {
	n := copy(buf, p.chunks[p.next])
	p.next++
	return n
}

func (p *fakeChunkedPayload) MoreChunks() bool { return p.next < len(p.chunks) }

func TestChunkedPayloadSelfClocksOnAcks(t *testing.T) {
	sess := newFakeSession()
	ex := newTestExchange(sess, clockwork.NewFakeClock())

	chunked := &fakeChunkedPayload{chunks: [][]byte{{0xA1, 0xA2}, {0xB1}}}

	if err := ex.Send(chunked); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sess.sent) != 1 || string(sess.sent[0].Payload) != string([]byte{0xA1, 0xA2}) {
		t.Fatalf("first chunk payload = %x", sess.sent[0].Payload)
	}
	if ex.QueuedPayloads() != 1 {
		t.Fatalf("QueuedPayloads() = %d, want 1 (requeued chunked payload)", ex.QueuedPayloads())
	}

	// The ack for chunk one triggers chunk two.
	ex.Receive(ackFor(sess.sent[0].Counter))
	if len(sess.sent) != 2 || string(sess.sent[1].Payload) != string([]byte{0xB1}) {
		t.Fatalf("second chunk not sent, messages = %d", len(sess.sent))
	}
	if ex.QueuedPayloads() != 0 {
		t.Error("chunked payload requeued after final chunk")
	}
	if !ex.HasPendingRetransmission() {
		t.Error("final chunk not tracked for retransmission")
	}

	ex.Receive(ackFor(sess.sent[1].Counter))
	if ex.HasPendingRetransmission() {
		t.Error("retransmission not cleared after final ack")
	}
}

func TestSendStandaloneAckResendsPendingMessage(t *testing.T) {
	sess := newFakeSession()
	ex := newTestExchange(sess, clockwork.NewFakeClock())

	if err := ex.Send(appPayload(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := ex.SendStandaloneAck(); err != nil {
		t.Fatalf("SendStandaloneAck: %v", err)
	}

	if len(sess.sent) != 2 || sess.sent[1] != sess.sent[0] {
		t.Error("standalone ack did not resend the pending message")
	}
}

func TestSendNilPayload(t *testing.T) {
	sess := newFakeSession()
	ex := newTestExchange(sess, clockwork.NewFakeClock())

	if err := ex.Send(nil); !errors.Is(err, ErrNilPayload) {
		t.Errorf("Send(nil) err = %v, want ErrNilPayload", err)
	}
}
