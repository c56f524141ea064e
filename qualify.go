package iaxcore

import (
	"net"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/iaxcore/config"
	"github.com/opd-ai/iaxcore/events"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/sched"
	"github.com/opd-ai/iaxcore/session"
)

// Peer reachability as reported by Peers and PeerStatus events.
const (
	StatusUnmonitored  = "Unmonitored"
	StatusUnknown      = "Unknown"
	StatusReachable    = "Reachable"
	StatusLagged       = "Lagged"
	StatusUnreachable  = "Unreachable"
	StatusUnregistered = "Unregistered"
)

// peerState is the runtime view of a configured peer. Guarded by
// Engine.peerMu.
type peerState struct {
	name    string
	addr    *net.UDPAddr
	dynamic bool

	expires     time.Time
	expireTimer sched.ID

	status     string
	rtt        time.Duration
	pokeCallNo uint16
	pokeGen    uint64
	pokeTimer  sched.ID
}

func initialStatus(p *config.PeerEntry) string {
	switch {
	case p.Dynamic:
		return StatusUnregistered
	case p.Qualify.Enabled:
		return StatusUnknown
	}
	return StatusUnmonitored
}

// registeredStatus is the status of a dynamic peer that just registered.
func registeredStatus(snap *config.Snapshot, name string) string {
	if p, ok := snap.Peer(name); ok && p.Qualify.Enabled {
		return StatusUnknown
	}
	return StatusUnmonitored
}

// peerAddr returns the current address of a peer, nil if unknown.
func (e *Engine) peerAddr(name string) *net.UDPAddr {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	if ps := e.peers[name]; ps != nil {
		return ps.addr
	}
	return nil
}

func (e *Engine) qualifyAll() {
	for name, p := range e.snap().Peers {
		if p.Qualify.Enabled {
			e.schedulePoke(name, 0)
		}
	}
}

func (e *Engine) schedulePoke(name string, d time.Duration) {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	if ps := e.peers[name]; ps != nil {
		ps.pokeTimer = e.sched.Replace(ps.pokeTimer, d, func() { e.poke(name) })
	}
}

// poke sends a qualify probe to a peer. The answer, or its absence after
// twice the peer's maxms, updates the peer's status.
func (e *Engine) poke(name string) {
	if e.closed.Load() {
		return
	}
	p, ok := e.snap().Peer(name)
	if !ok || !p.Qualify.Enabled {
		return
	}
	e.peerMu.Lock()
	ps := e.peers[name]
	if ps == nil {
		e.peerMu.Unlock()
		return
	}
	ps.pokeTimer = 0
	addr := ps.addr
	old, oldGen := ps.pokeCallNo, ps.pokeGen
	ps.pokeCallNo = 0
	e.peerMu.Unlock()

	if old != 0 {
		if s := e.table.Acquire(old, oldGen); s != nil {
			e.destroy(s)
			e.table.UnlockSession(s)
		}
	}
	if addr == nil {
		e.schedulePoke(name, p.Qualify.FreqNotOK)
		return
	}
	s, err := e.table.Allocate(addr, false)
	if err != nil {
		e.schedulePoke(name, p.Qualify.FreqNotOK)
		return
	}
	defer e.table.UnlockSession(s)
	e.initSession(s)
	s.Kind = session.KindPoke
	s.Outgoing = true
	s.Peer = name
	e.sendCommand(s, frame.CmdPoke, nil, sendOpts{})

	e.peerMu.Lock()
	if ps := e.peers[name]; ps != nil {
		ps.pokeCallNo, ps.pokeGen = s.CallNo, s.Gen
	}
	e.peerMu.Unlock()

	s.Timers.Poke = e.after(s, 2*time.Duration(p.Qualify.MaxMS)*time.Millisecond, func(s *session.Session) {
		s.Timers.Poke = 0
		e.pokeFailed(s)
		e.destroy(s)
	})
}

// pokeReply grades a PONG against the peer's maxms.
func (e *Engine) pokeReply(s *session.Session, f *frame.Full, rtt time.Duration) {
	p, ok := e.snap().Peer(s.Peer)
	status := StatusReachable
	next := time.Duration(0)
	if ok {
		next = p.Qualify.FreqOK
		if rtt > time.Duration(p.Qualify.MaxMS)*time.Millisecond {
			status = StatusLagged
			next = p.Qualify.FreqNotOK
		}
	}
	e.setPeerStatus(s, status, rtt, next)
	e.metrics.PeerRTT.WithLabelValues(s.Peer).Set(rtt.Seconds())

	e.sendAck(s, f.Timestamp)
	s.AlreadyGone = true
	e.destroy(s)
}

// pokeFailed marks the peer of an unanswered probe unreachable.
func (e *Engine) pokeFailed(s *session.Session) {
	var next time.Duration
	if p, ok := e.snap().Peer(s.Peer); ok {
		next = p.Qualify.FreqNotOK
	}
	e.setPeerStatus(s, StatusUnreachable, 0, next)
}

func (e *Engine) setPeerStatus(s *session.Session, status string, rtt time.Duration, next time.Duration) {
	name := s.Peer
	e.peerMu.Lock()
	ps := e.peers[name]
	if ps == nil || ps.pokeCallNo != s.CallNo || ps.pokeGen != s.Gen {
		e.peerMu.Unlock()
		return
	}
	prev := ps.status
	ps.status = status
	ps.rtt = rtt
	ps.pokeCallNo = 0
	if next > 0 {
		ps.pokeTimer = e.sched.Replace(ps.pokeTimer, next, func() { e.poke(name) })
	}
	e.peerMu.Unlock()

	if prev == status {
		return
	}
	e.emit(events.PeerStatus, map[string]string{
		"peer":   name,
		"status": status,
		"rtt":    rtt.String(),
	})
	entry := logrus.WithFields(logrus.Fields{
		"function": "Engine.setPeerStatus",
		"peer":     name,
		"status":   status,
		"rtt":      rtt.String(),
	})
	if status == StatusReachable {
		entry.Info("Peer status changed")
	} else {
		entry.Warn("Peer status changed")
	}
}

// syncPeers applies a reloaded peer list. Runtime state of peers that
// survive the reload is kept.
func (e *Engine) syncPeers(snap *config.Snapshot) {
	var poke []string
	e.peerMu.Lock()
	for name, ps := range e.peers {
		if _, ok := snap.Peers[name]; !ok {
			e.sched.Del(ps.pokeTimer)
			e.sched.Del(ps.expireTimer)
			delete(e.peers, name)
		}
	}
	for name, p := range snap.Peers {
		ps := e.peers[name]
		if ps == nil {
			ps = &peerState{name: name, addr: p.Addr, dynamic: p.Dynamic, status: initialStatus(p)}
			e.peers[name] = ps
			if p.Qualify.Enabled {
				poke = append(poke, name)
			}
			continue
		}
		if !p.Dynamic {
			ps.addr = p.Addr
		}
		ps.dynamic = p.Dynamic
		switch {
		case !p.Qualify.Enabled:
			e.sched.Del(ps.pokeTimer)
			ps.pokeTimer = 0
			if ps.status != StatusUnregistered {
				ps.status = StatusUnmonitored
			}
		case ps.pokeTimer == 0 && ps.pokeCallNo == 0:
			poke = append(poke, name)
		}
	}
	e.peerMu.Unlock()

	e.timerMu.Lock()
	started := e.started
	e.timerMu.Unlock()
	if !started {
		return
	}
	for _, name := range poke {
		e.schedulePoke(name, 0)
	}
}

// PeerStatus is a snapshot of one peer for introspection.
type PeerStatus struct {
	Name    string
	Addr    string
	Dynamic bool
	Status  string
	RTT     time.Duration
	Expires time.Time
}

// Peers reports every configured peer, sorted by name.
func (e *Engine) Peers() []PeerStatus {
	e.peerMu.Lock()
	out := make([]PeerStatus, 0, len(e.peers))
	for _, ps := range e.peers {
		out = append(out, PeerStatus{
			Name:    ps.name,
			Addr:    addrString(ps.addr),
			Dynamic: ps.dynamic,
			Status:  ps.status,
			RTT:     ps.rtt,
			Expires: ps.expires,
		})
	}
	e.peerMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
