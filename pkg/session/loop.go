package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/logging"

	"github.com/peerwire/mrp/pkg/transport"
)

// DefaultTickInterval is how often the loop runs the reliability checks.
const DefaultTickInterval = 10 * time.Millisecond

// LoopConfig configures a Loop.
type LoopConfig struct {
	// Session is the session this loop drives. Required.
	Session *Session

	// TickInterval is the period of the reliability checks.
	// Default: DefaultTickInterval.
	TickInterval time.Duration

	// QueueSize is the inbound datagram queue capacity. Datagrams arriving
	// while the queue is full are dropped; the reliability layer recovers
	// via retransmission. Default: 64.
	QueueSize int

	// Clock is the tick source. If nil, the real clock is used.
	Clock clockwork.Clock

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Loop is the single-threaded driver for one session. It owns the only
// goroutine allowed to touch the session and its exchanges: inbound
// datagrams, periodic reliability ticks and submitted work all run there,
// serialized.
//
// Loop implements transport.Handler so it can be wired directly as a
// transport's inbound handler.
type Loop struct {
	session *Session
	tick    time.Duration
	clock   clockwork.Clock
	log     logging.LeveledLogger

	inbound chan []byte
	ops     chan func()
	closeCh chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewLoop creates a loop for the given session.
func NewLoop(config LoopConfig) *Loop {
	l := &Loop{
		session: config.Session,
		tick:    config.TickInterval,
		clock:   config.Clock,
		closeCh: make(chan struct{}),
	}

	if l.tick == 0 {
		l.tick = DefaultTickInterval
	}
	if l.clock == nil {
		l.clock = clockwork.NewRealClock()
	}
	queueSize := config.QueueSize
	if queueSize == 0 {
		queueSize = 64
	}
	l.inbound = make(chan []byte, queueSize)
	l.ops = make(chan func(), queueSize)

	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("session-loop")
	}

	return l
}

// Start launches the loop goroutine.
func (l *Loop) Start() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run()

	return nil
}

// Stop terminates the loop and waits for it to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.closeCh)
	l.wg.Wait()
}

// HandleDatagram queues an inbound datagram for processing on the loop
// goroutine. It copies the data, so the caller's buffer may be reused.
func (l *Loop) HandleDatagram(data []byte, _ transport.PeerAddress) {
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case l.inbound <- buf:
	case <-l.closeCh:
	default:
		// Queue full. Reliable traffic will be retransmitted.
		if l.log != nil {
			l.log.Warnf("inbound queue full, dropping %d-byte datagram", len(data))
		}
	}
}

// Do submits fn to run on the loop goroutine and returns without waiting.
// All application interaction with the session (opening exchanges, sending)
// must go through here once the loop is started.
func (l *Loop) Do(fn func()) error {
	// The ops channel is buffered, so a send can succeed even after Stop;
	// check the stop signal first so it takes priority.
	select {
	case <-l.closeCh:
		return ErrLoopStopped
	default:
	}

	select {
	case l.ops <- fn:
		return nil
	case <-l.closeCh:
		return ErrLoopStopped
	}
}

func (l *Loop) run() {
	defer l.wg.Done()

	ticker := l.clock.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case data := <-l.inbound:
			l.session.HandleDatagram(data)
		case fn := <-l.ops:
			fn()
		case <-ticker.Chan():
			l.session.Tick()
		case <-l.closeCh:
			return
		}
	}
}
