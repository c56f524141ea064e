// Package transport carries IAX2 datagrams. UDPTransport owns the single
// UDP socket the protocol runs on: one goroutine reads with a short
// deadline, checks the datagram against the size limits and hands it to
// the engine, which dispatches the real work to its worker pool.
//
// Outbound datagrams may be marked with an IP TOS value, and a Tap can
// observe traffic in both directions for debug capture.
package transport
