package transport

import (
	"net"
	"sync"

	"github.com/pion/logging"

	"github.com/peerwire/mrp/pkg/message"
)

// DefaultPort is the default protocol port.
const DefaultPort = 5540

// UDP provides UDP datagram transport.
// It wraps a net.PacketConn and runs a read loop that calls the configured
// Handler for each received datagram.
type UDP struct {
	conn    net.PacketConn
	handler Handler
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.Mutex
	started bool
	closed  bool
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use.
	// If nil, a new connection is created on ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g. ":5540").
	// Ignored if Conn is provided; defaults to an ephemeral port.
	ListenAddr string

	// Handler is called for each received datagram. Required.
	Handler Handler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewUDP creates a UDP transport.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.Handler == nil {
		return nil, ErrNoHandler
	}

	u := &UDP{
		conn:    config.Conn,
		handler: config.Handler,
		closeCh: make(chan struct{}),
	}

	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	if u.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}

		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}

	return u, nil
}

// LocalAddr returns the transport's bound address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Start begins the read loop. Received datagrams are delivered to the
// configured Handler.
func (u *UDP) Start() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return ErrAlreadyStarted
	}
	u.started = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Infof("starting UDP transport on %s", u.conn.LocalAddr())
	}

	u.wg.Add(1)
	go u.readLoop()

	return nil
}

// Send transmits one datagram to the peer.
func (u *UDP) Send(data []byte, to PeerAddress) error {
	if !to.IsValid() {
		return ErrInvalidAddress
	}
	if len(data) > message.MaxFrameSize {
		return ErrFrameTooLarge
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.mu.Unlock()

	_, err := u.conn.WriteTo(data, to.Addr)
	return err
}

// Close stops the read loop and closes the connection.
func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Info("stopping UDP transport")
	}

	close(u.closeCh)
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

// readLoop receives datagrams until the transport is closed.
func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, message.MaxFrameSize)
	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-u.closeCh:
				return
			default:
			}
			if u.log != nil {
				u.log.Warnf("read: %v", err)
			}
			return
		}

		u.handler.HandleDatagram(buf[:n], PeerAddress{Addr: addr})
	}
}
