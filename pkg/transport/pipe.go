package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"

	"github.com/peerwire/mrp/pkg/message"
)

// Pipe provides bidirectional in-memory datagram transport between two
// endpoints, built on pion's test bridge. Use it for deterministic tests
// without real network I/O.
//
// By default messages are delivered by a background goroutine; disable
// AutoProcess for manual control over delivery order.
type Pipe struct {
	bridge *test.Bridge
	ends   [2]*PipeEndpoint

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	autoProcess bool
	closed      bool
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic message delivery in a background
	// goroutine. Default: true.
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers queued
	// messages. Default: 1ms.
	ProcessInterval time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: time.Millisecond,
	}
}

// NewPipe creates a connected pair of in-memory endpoints.
func NewPipe(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:      test.NewBridge(),
		stopCh:      make(chan struct{}),
		autoProcess: config.AutoProcess,
	}

	interval := config.ProcessInterval
	if interval == 0 {
		interval = time.Millisecond
	}

	for i := 0; i < 2; i++ {
		end := &PipeEndpoint{
			id:      i,
			closeCh: make(chan struct{}),
		}
		if config.LoggerFactory != nil {
			end.log = config.LoggerFactory.NewLogger("transport-pipe")
		}
		p.ends[i] = end
	}
	p.ends[0].conn = p.bridge.GetConn0()
	p.ends[1].conn = p.bridge.GetConn1()

	if p.autoProcess {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-p.stopCh:
					return
				case <-ticker.C:
					p.bridge.Tick()
				}
			}
		}()
	}

	return p
}

// Endpoint returns the transport for endpoint 0 or 1.
func (p *Pipe) Endpoint(i int) *PipeEndpoint {
	return p.ends[i]
}

// Tick delivers one queued packet in each direction and returns how many
// packets were delivered. Only useful when AutoProcess is disabled.
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued packets and returns how many were delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		count += p.bridge.Tick()
		if p.bridge.Len(0) == 0 && p.bridge.Len(1) == 0 {
			return count
		}
		// Tick hands packets to waiting readers only; give the read
		// loops a moment to come back around, as bridge.Process does.
		time.Sleep(10 * time.Microsecond)
	}
}

// Close shuts down both endpoints and the delivery goroutine.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	autoProcess := p.autoProcess
	p.mu.Unlock()

	if autoProcess {
		close(p.stopCh)
	}
	p.wg.Wait()

	err0 := p.ends[0].Close()
	err1 := p.ends[1].Close()
	if err0 != nil {
		return err0
	}
	return err1
}

// PipeEndpoint is one side of a Pipe. It implements Transport.
type PipeEndpoint struct {
	id      int
	conn    net.Conn
	handler Handler
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.Mutex
	started bool
	closed  bool
}

// SetHandler sets the inbound datagram handler. Must be called before Start.
func (e *PipeEndpoint) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Addr returns the endpoint's address for use as a PeerAddress.
func (e *PipeEndpoint) Addr() PeerAddress {
	return PeerAddress{Addr: pipeAddr{id: e.id}}
}

// Start begins the read loop.
func (e *PipeEndpoint) Start() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	if e.handler == nil {
		e.mu.Unlock()
		return ErrNoHandler
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.readLoop()

	return nil
}

// Send transmits one datagram to the other endpoint. The address is
// ignored; a pipe has exactly one peer.
func (e *PipeEndpoint) Send(data []byte, _ PeerAddress) error {
	if len(data) > message.MaxFrameSize {
		return ErrFrameTooLarge
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()

	_, err := e.conn.Write(data)
	return err
}

// Close stops the read loop and closes this side of the pipe.
func (e *PipeEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.closeCh)
	err := e.conn.Close()
	// bridgeConn.Close does not unblock a pending Read; firing the read
	// deadline wakes the read loop so it can observe closeCh and exit.
	_ = e.conn.SetReadDeadline(time.Now())
	e.wg.Wait()
	return err
}

func (e *PipeEndpoint) readLoop() {
	defer e.wg.Done()

	peer := PeerAddress{Addr: pipeAddr{id: 1 - e.id}}
	buf := make([]byte, message.MaxFrameSize)
	for {
		n, err := e.conn.Read(buf)
		if err != nil {
			select {
			case <-e.closeCh:
				return
			default:
			}
			if e.log != nil {
				e.log.Warnf("read: %v", err)
			}
			return
		}

		e.handler.HandleDatagram(buf[:n], peer)
	}
}

// pipeAddr implements net.Addr for pipe endpoints.
type pipeAddr struct {
	id int
}

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return fmt.Sprintf("pipe:%d", a.id) }
