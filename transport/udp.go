package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/iaxcore/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// Stats counts socket activity.
type Stats struct {
	Received   uint64
	Sent       uint64
	ReadErrors uint64
	SendErrors uint64
	Oversized  uint64
}

// UDPTransport implements Transport on a UDP socket.
type UDPTransport struct {
	conn   net.PacketConn
	closed atomic.Bool

	mu  sync.RWMutex
	tap Tap

	received   atomic.Uint64
	sent       atomic.Uint64
	readErrors atomic.Uint64
	sendErrors atomic.Uint64
	oversized  atomic.Uint64
}

// NewUDPTransport binds listenAddr. A non-zero tos sets the IP TOS byte on
// outgoing datagrams.
func NewUDPTransport(listenAddr string, tos int) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	t := &UDPTransport{conn: conn}

	if tos != 0 {
		if err := ipv4.NewPacketConn(conn).SetTOS(tos); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "NewUDPTransport",
				"tos":      tos,
				"error":    err.Error(),
			}).Warn("Unable to set TOS on socket")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"addr":     conn.LocalAddr().String(),
		"tos":      tos,
	}).Info("Listening for IAX2")
	return t, nil
}

// SetTap installs a datagram observer; nil removes it.
func (t *UDPTransport) SetTap(tap Tap) {
	t.mu.Lock()
	t.tap = tap
	t.mu.Unlock()
}

func (t *UDPTransport) currentTap() Tap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tap
}

// Send writes data to addr.
func (t *UDPTransport) Send(data []byte, addr *net.UDPAddr) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return err
	}
	if tap := t.currentTap(); tap != nil {
		tap.Packet(data, t.conn.LocalAddr(), addr)
	}
	if _, err := t.conn.WriteTo(data, addr); err != nil {
		t.sendErrors.Add(1)
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	t.sent.Add(1)
	return nil
}

// Serve runs the read loop. Each datagram is handed to h on this goroutine;
// h is expected to dispatch the work and return quickly.
func (t *UDPTransport) Serve(ctx context.Context, h Handler) error {
	buffer := make([]byte, limits.MaxDatagram+1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if t.closed.Load() {
			return ErrClosed
		}
		t.processIncomingPacket(buffer, h)
	}
}

func (t *UDPTransport) processIncomingPacket(buffer []byte, h Handler) {
	data, addr, err := t.readPacketData(buffer)
	if err != nil {
		return
	}
	if len(data) > limits.MaxDatagram {
		t.oversized.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.Serve",
			"peer":     addr.String(),
		}).Warn("Discarding oversized datagram")
		return
	}
	t.received.Add(1)
	if tap := t.currentTap(); tap != nil {
		tap.Packet(data, addr, t.conn.LocalAddr())
	}
	h(data, addr)
}

// readPacketData reads with a short deadline so that Serve notices ctx.
func (t *UDPTransport) readPacketData(buffer []byte) ([]byte, *net.UDPAddr, error) {
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, t.handleReadError(err)
	}
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected address type %T", addr)
	}
	return buffer[:n], udp, nil
}

func (t *UDPTransport) handleReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}
	if t.closed.Load() {
		return err
	}
	t.readErrors.Add(1)
	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.readPacketData",
		"error":    err.Error(),
	}).Warn("Socket read failed")
	return err
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Stats returns socket counters.
func (t *UDPTransport) Stats() Stats {
	return Stats{
		Received:   t.received.Load(),
		Sent:       t.sent.Load(),
		ReadErrors: t.readErrors.Load(),
		SendErrors: t.sendErrors.Load(),
		Oversized:  t.oversized.Load(),
	}
}

// Close shuts down the socket.
func (t *UDPTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}
