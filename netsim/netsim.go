// Package netsim is an in-memory datagram network for tests. Delivery is
// explicit (Flush) so that loss and reordering are reproducible from a seed.
package netsim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/opd-ai/iaxcore/transport"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Send on a closed endpoint.
var ErrClosed = errors.New("netsim: endpoint closed")

// Config controls impairment. Probabilities are in [0, 1].
type Config struct {
	Loss      float64
	Reorder   float64
	Duplicate float64
	Seed      int64
}

// Packet is one datagram in flight.
type Packet struct {
	Data     []byte
	From, To *net.UDPAddr
}

// Stats counts network activity.
type Stats struct {
	Sent       int
	Delivered  int
	Lost       int
	Reordered  int
	Duplicated int
	Unroutable int
}

// Network connects endpoints by address.
type Network struct {
	mu        sync.Mutex
	cfg       Config
	rng       *rand.Rand
	endpoints map[string]*Endpoint
	pending   []Packet
	filter    func(Packet) bool
	stats     Stats
}

// New creates an empty network.
func New(cfg Config) *Network {
	return &Network{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		endpoints: make(map[string]*Endpoint),
	}
}

// Endpoint attaches a new endpoint at addr ("ip:port").
func (n *Network) Endpoint(addr string) (*Endpoint, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netsim: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[ua.String()]; ok {
		return nil, fmt.Errorf("netsim: address %s in use", ua)
	}
	e := &Endpoint{net: n, addr: ua, done: make(chan struct{})}
	n.endpoints[ua.String()] = e
	return e, nil
}

// SetFilter installs f; packets for which it returns false are dropped in
// addition to random loss.
func (n *Network) SetFilter(f func(Packet) bool) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Pending returns the number of undelivered packets.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Stats returns a copy of the counters.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *Network) enqueue(p Packet) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats.Sent++
	if n.filter != nil && !n.filter(p) {
		n.stats.Lost++
		return
	}
	if n.cfg.Loss > 0 && n.rng.Float64() < n.cfg.Loss {
		n.stats.Lost++
		return
	}
	n.pending = append(n.pending, p)
	if n.cfg.Duplicate > 0 && n.rng.Float64() < n.cfg.Duplicate {
		n.stats.Duplicated++
		n.pending = append(n.pending, p)
	}
}

// Step delivers the packets queued so far. Packets sent by handlers during
// delivery wait for the next step. It returns the number delivered.
func (n *Network) Step() int {
	n.mu.Lock()
	batch := n.pending
	n.pending = nil
	for i := range batch {
		if n.cfg.Reorder > 0 && i+1 < len(batch) && n.rng.Float64() < n.cfg.Reorder {
			j := i + 1 + n.rng.Intn(len(batch)-i-1)
			batch[i], batch[j] = batch[j], batch[i]
			n.stats.Reordered++
		}
	}
	n.mu.Unlock()

	delivered := 0
	for _, p := range batch {
		n.mu.Lock()
		e := n.endpoints[p.To.String()]
		n.mu.Unlock()
		if e == nil || !e.deliver(p) {
			n.mu.Lock()
			n.stats.Unroutable++
			n.mu.Unlock()
			continue
		}
		delivered++
	}
	n.mu.Lock()
	n.stats.Delivered += delivered
	n.mu.Unlock()
	return delivered
}

// Flush steps until the network is quiet or max steps have run.
func (n *Network) Flush(max int) int {
	total := 0
	for i := 0; i < max && n.Pending() > 0; i++ {
		total += n.Step()
	}
	return total
}

// Endpoint implements transport.Transport on a Network.
type Endpoint struct {
	net  *Network
	addr *net.UDPAddr

	mu      sync.Mutex
	handler transport.Handler
	tap     transport.Tap
	closed  bool
	done    chan struct{}
}

var _ transport.Transport = (*Endpoint)(nil)

// SetHandler installs h without starting a goroutine; Flush calls it
// directly.
func (e *Endpoint) SetHandler(h transport.Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// SetTap installs a packet observer.
func (e *Endpoint) SetTap(t transport.Tap) {
	e.mu.Lock()
	e.tap = t
	e.mu.Unlock()
}

// Addr returns the endpoint address.
func (e *Endpoint) Addr() *net.UDPAddr { return e.addr }

func (e *Endpoint) Send(data []byte, addr *net.UDPAddr) error {
	e.mu.Lock()
	closed, tap := e.closed, e.tap
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if tap != nil {
		tap.Packet(data, e.addr, addr)
	}
	e.net.enqueue(Packet{Data: append([]byte(nil), data...), From: e.addr, To: addr})
	return nil
}

// Serve installs h and blocks until ctx is done or the endpoint closes.
func (e *Endpoint) Serve(ctx context.Context, h transport.Handler) error {
	e.SetHandler(h)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return nil
	}
}

func (e *Endpoint) LocalAddr() net.Addr { return e.addr }

func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)
	e.net.mu.Lock()
	delete(e.net.endpoints, e.addr.String())
	e.net.mu.Unlock()
	return nil
}

func (e *Endpoint) deliver(p Packet) bool {
	e.mu.Lock()
	h, tap, closed := e.handler, e.tap, e.closed
	e.mu.Unlock()
	if closed || h == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.deliver",
			"to":       e.addr.String(),
		}).Debug("Dropping packet for endpoint without handler")
		return false
	}
	if tap != nil {
		tap.Packet(p.Data, p.From, p.To)
	}
	h(p.Data, p.From)
	return true
}
