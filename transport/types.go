package transport

import (
	"context"
	"net"
)

// Handler processes one inbound datagram. data is only valid for the
// duration of the call.
type Handler func(data []byte, addr *net.UDPAddr)

// Transport is the datagram socket the engine speaks IAX2 over. UDP in
// production, an in-memory network in tests.
type Transport interface {
	// Send writes one datagram to addr.
	Send(data []byte, addr *net.UDPAddr) error

	// Serve reads datagrams and hands each to h until ctx is done or the
	// transport is closed.
	Serve(ctx context.Context, h Handler) error

	// LocalAddr returns the local address the transport is bound to.
	LocalAddr() net.Addr

	// Close shuts down the transport.
	Close() error
}

// Tap observes datagrams in both directions, as the pcap capture does.
type Tap interface {
	Packet(data []byte, src, dst net.Addr)
}
