// Package trunk aggregates mini-frame media for many calls to the same peer
// into single meta trunk datagrams.
package trunk

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/iaxcore/clock"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/sirupsen/logrus"
)

// Defaults for Config.
const (
	DefaultFreq    = 20 * time.Millisecond
	DefaultMTU     = 1240
	DefaultMaxSize = 128000
	DefaultIdle    = 5 * time.Second
	maxSkew        = 160
)

var (
	// ErrTrunkFull is returned when an entry would grow a peer buffer past
	// MaxSize. The entry is dropped.
	ErrTrunkFull = errors.New("trunk buffer full")
	// ErrPayloadTooLarge is returned for payloads that cannot fit an entry.
	ErrPayloadTooLarge = errors.New("trunk payload too large")
)

// Config controls aggregation.
type Config struct {
	Freq    time.Duration
	MTU     int
	MaxSize int
	Idle    time.Duration
	// Timestamps selects entries that carry their own 16-bit timestamp.
	Timestamps bool
}

func (c Config) withDefaults() Config {
	if c.Freq <= 0 {
		c.Freq = DefaultFreq
	}
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.Idle <= 0 {
		c.Idle = DefaultIdle
	}
	return c
}

// SendFunc writes one datagram to addr.
type SendFunc func(addr *net.UDPAddr, data []byte) error

// Peer is the accumulation state for one remote address.
type Peer struct {
	Addr       *net.UDPAddr
	buf        []byte
	entries    int
	calls      map[uint16]struct{}
	lastSent   uint32
	started    bool
	txBase     time.Time
	lastActive time.Time
}

// PeerInfo describes a trunk peer for introspection.
type PeerInfo struct {
	Addr       string
	Pending    int
	Calls      int
	LastActive time.Time
}

// Stats counts aggregator activity.
type Stats struct {
	Flushes  uint64
	Entries  uint64
	Dropped  uint64
	MTUFlush uint64
}

// Aggregator holds one buffer per trunk peer.
type Aggregator struct {
	mu    sync.Mutex
	cfg   Config
	peers map[string]*Peer
	send  SendFunc
	clock clock.TimeProvider
	stats Stats
}

// New creates an aggregator that writes through send.
func New(cfg Config, tp clock.TimeProvider, send SendFunc) *Aggregator {
	return &Aggregator{
		cfg:   cfg.withDefaults(),
		peers: make(map[string]*Peer),
		send:  send,
		clock: clock.OrReal(tp),
	}
}

// Freq is the flush period.
func (a *Aggregator) Freq() time.Duration { return a.cfg.Freq }

func (a *Aggregator) peer(addr *net.UDPAddr, now time.Time) *Peer {
	key := addr.String()
	p, ok := a.peers[key]
	if !ok {
		p = &Peer{
			Addr:   addr,
			calls:  make(map[uint16]struct{}),
			txBase: now,
		}
		a.peers[key] = p
		logrus.WithFields(logrus.Fields{
			"function": "Aggregator.Queue",
			"peer":     key,
		}).Info("Created trunk peer")
	}
	p.lastActive = now
	return p
}

// Queue appends media for callno to addr's buffer. A buffer that reaches
// the MTU is sent at once.
func (a *Aggregator) Queue(addr *net.UDPAddr, callno uint16, ts uint16, payload []byte) error {
	if len(payload) > 0xffff || callno > frame.MaxCallNo {
		return fmt.Errorf("%w: %d bytes for call %d", ErrPayloadTooLarge, len(payload), callno)
	}
	now := a.clock.Now()

	a.mu.Lock()
	p := a.peer(addr, now)
	need := frame.TrunkEntryOverhead(a.cfg.Timestamps) + len(payload)
	if frame.TrunkHeaderLen+len(p.buf)+need > a.cfg.MaxSize {
		a.stats.Dropped++
		a.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Aggregator.Queue",
			"peer":     addr.String(),
			"pending":  len(p.buf),
		}).Warn("Trunk buffer at maximum size, dropping frame")
		return ErrTrunkFull
	}
	p.buf = frame.AppendTrunkEntry(p.buf, a.cfg.Timestamps, frame.TrunkEntry{
		CallNo: callno, Timestamp: ts, Payload: payload,
	})
	p.entries++
	p.calls[callno] = struct{}{}

	var out []byte
	if frame.TrunkHeaderLen+len(p.buf) >= a.cfg.MTU {
		out = a.drainLocked(p, now)
		a.stats.MTUFlush++
	}
	a.mu.Unlock()

	if out != nil {
		return a.write(addr, out)
	}
	return nil
}

// stamp returns the trunk timestamp for a flush at now: predicted from the
// last one when close to it, never repeated.
func (a *Aggregator) stamp(p *Peer, now time.Time) uint32 {
	ms := uint32(now.Sub(p.txBase) / time.Millisecond)
	if p.started {
		pred := p.lastSent + uint32(a.cfg.Freq/time.Millisecond)
		if d := int64(ms) - int64(pred); d > -maxSkew && d < maxSkew {
			ms = pred
		}
		if ms <= p.lastSent {
			ms = p.lastSent + 1
		}
	}
	p.started = true
	p.lastSent = ms
	return ms
}

func (a *Aggregator) drainLocked(p *Peer, now time.Time) []byte {
	if len(p.buf) == 0 {
		return nil
	}
	out := frame.TrunkHeader(a.stamp(p, now), a.cfg.Timestamps)
	out = append(out, p.buf...)
	a.stats.Flushes++
	a.stats.Entries += uint64(p.entries)
	p.buf = p.buf[:0]
	p.entries = 0
	for k := range p.calls {
		delete(p.calls, k)
	}
	return out
}

func (a *Aggregator) write(addr *net.UDPAddr, data []byte) error {
	if err := a.send(addr, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Aggregator.write",
			"peer":     addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to send trunk frame")
		return fmt.Errorf("send trunk frame: %w", err)
	}
	return nil
}

// FlushAll sends every non-empty buffer and forgets peers idle longer than
// the idle timeout. It returns the number of datagrams sent.
func (a *Aggregator) FlushAll(now time.Time) int {
	type pending struct {
		addr *net.UDPAddr
		data []byte
	}
	var batch []pending

	a.mu.Lock()
	for key, p := range a.peers {
		if out := a.drainLocked(p, now); out != nil {
			batch = append(batch, pending{p.Addr, out})
			continue
		}
		if now.Sub(p.lastActive) > a.cfg.Idle {
			delete(a.peers, key)
			logrus.WithFields(logrus.Fields{
				"function": "Aggregator.FlushAll",
				"peer":     key,
			}).Info("Removed idle trunk peer")
		}
	}
	a.mu.Unlock()

	sent := 0
	for _, b := range batch {
		if a.write(b.addr, b.data) == nil {
			sent++
		}
	}
	return sent
}

// Peers lists the current trunk peers.
func (a *Aggregator) Peers() []PeerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PeerInfo, 0, len(a.peers))
	for key, p := range a.peers {
		out = append(out, PeerInfo{Addr: key, Pending: len(p.buf), Calls: len(p.calls), LastActive: p.lastActive})
	}
	return out
}

// Stats returns counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
