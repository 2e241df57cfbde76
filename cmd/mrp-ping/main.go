// mrp-ping is a reliable messaging demo over UDP.
//
// Run one side as the echo node and the other as the pinger. The pinger
// sends its text on a fresh exchange with reliability enabled; the echo node
// replies on the same exchange, piggybacking its acknowledgement. Lost
// datagrams are recovered by retransmission with exponential backoff.
//
// Usage:
//
//	mrp-ping [options]
//
// Options:
//
//	-port  UDP port to listen on (default: 5540)
//	-peer  Peer address (required)
//	-node  Local node id (default: 1)
//	-text  Payload to send; empty means run as echo node
//
// Example:
//
//	mrp-ping -port 5540 -peer 127.0.0.1:5541
//	mrp-ping -port 5541 -peer 127.0.0.1:5540 -node 2 -text hello
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"

	"github.com/peerwire/mrp/pkg/exchange"
	"github.com/peerwire/mrp/pkg/message"
	"github.com/peerwire/mrp/pkg/session"
	"github.com/peerwire/mrp/pkg/transport"
)

func main() {
	port := flag.Int("port", transport.DefaultPort, "UDP port to listen on")
	peer := flag.String("peer", "", "Peer address (required)")
	nodeID := flag.Uint64("node", 1, "Local node id")
	text := flag.String("text", "", "Payload to send (empty = echo node)")
	flag.Parse()

	if err := run(*port, *peer, *nodeID, *text); err != nil {
		log.Fatalf("mrp-ping: %v", err)
	}
}

func run(port int, peer string, nodeID uint64, text string) error {
	if peer == "" {
		return errors.New("-peer is required")
	}
	peerAddr, err := transport.UDPAddrFromString(peer)
	if err != nil {
		return err
	}

	loggerFactory := logging.NewDefaultLoggerFactory()

	// The loop is the transport's inbound handler, but it needs the session
	// which needs the transport. Bridge the cycle with a late-bound closure.
	var loop *session.Loop
	udp, err := transport.NewUDP(transport.UDPConfig{
		ListenAddr: fmt.Sprintf(":%d", port),
		Handler: transport.HandlerFunc(func(data []byte, from transport.PeerAddress) {
			loop.HandleDatagram(data, from)
		}),
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return err
	}
	defer udp.Close()

	handler := &printHandler{echo: text == ""}
	sess, err := session.New(session.Config{
		LocalNodeID:   nodeID,
		Params:        session.DefaultParams(),
		Protocols:     []message.ProtocolID{message.ProtocolInteractionModel},
		Handler:       handler,
		Transport:     udp,
		PeerAddress:   peerAddr,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return err
	}

	loop = session.NewLoop(session.LoopConfig{
		Session:       sess,
		LoggerFactory: loggerFactory,
	})
	if err := loop.Start(); err != nil {
		return err
	}
	defer loop.Stop()

	if err := udp.Start(); err != nil {
		return err
	}
	log.Printf("node %d listening on %s, peer %s", nodeID, udp.LocalAddr(), peerAddr)

	if text != "" {
		err := loop.Do(func() {
			ex, err := sess.NewExchange()
			if err != nil {
				log.Printf("opening exchange: %v", err)
				return
			}
			if err := ex.Send(&exchange.RawPayload{
				Protocol: message.ProtocolInteractionModel,
				Op:       0x01,
				Data:     []byte(text),
			}); err != nil {
				log.Printf("sending: %v", err)
				return
			}
			log.Printf("sent %q on exchange %d", text, ex.ID())
		})
		if err != nil {
			return err
		}
	}

	waitForSignal()
	return nil
}

// printHandler logs delivered messages. In echo mode it replies on the same
// exchange so the reply carries the acknowledgement.
type printHandler struct {
	echo bool
}

func (h *printHandler) HandleMessage(ex *exchange.Exchange, msg *message.Message) {
	log.Printf("exchange %d: node %d says %q", ex.ID(), msg.SourceNodeID, msg.Payload)

	if !h.echo {
		return
	}
	if err := ex.Send(&exchange.RawPayload{
		Protocol: message.ProtocolInteractionModel,
		Op:       0x02,
		Data:     msg.Payload,
	}); err != nil {
		log.Printf("exchange %d: echoing: %v", ex.ID(), err)
	}
}

func (h *printHandler) OnExchangeFailed(ex *exchange.Exchange, err error) {
	log.Printf("exchange %d failed: %v", ex.ID(), err)
}

// waitForSignal blocks until SIGINT or SIGTERM.
func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)
	// Give in-flight acknowledgements a moment to flush.
	time.Sleep(250 * time.Millisecond)
}
