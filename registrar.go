package iaxcore

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/iaxcore/auth"
	"github.com/opd-ai/iaxcore/events"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/registry"
	"github.com/opd-ai/iaxcore/session"
)

// storeTimeout bounds every binding store operation.
const storeTimeout = 5 * time.Second

// handleRegReq serves REGREQ and REGREL from a dynamic peer.
func (e *Engine) handleRegReq(s *session.Session, f *frame.Full, in *inbound, release bool) {
	if s.Kind != session.KindRegistrar || s.Outgoing || s.Phase == session.PhaseGone {
		return
	}
	name := f.IEs.Str(frame.IEUsername)
	s.Username = name
	p, ok := s.Config.Peer(name)
	if !ok || !p.Dynamic {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleRegReq",
			"peer":     name,
			"addr":     addrString(in.addr),
		}).Info("Registration for unknown or static peer")
		e.authFail(s, frame.CmdRegRej)
		return
	}
	s.Peer = name
	s.RegName = name
	s.Secret = p.Secret
	s.InKeys = p.InKeys
	s.AuthMethods = p.Methods

	if p.Secret != "" || len(p.InKeys) > 0 {
		answered := f.IEs.Has(frame.IEMD5Result) || f.IEs.Has(frame.IERSAResult) || f.IEs.Has(frame.IEPassword)
		if !answered || s.Challenge == "" {
			if err := e.challenge(s, frame.CmdRegAuth, frame.CmdRegRej); err != nil {
				e.rejectWith(s, frame.CmdRegRej, "Internal error", frame.CauseCongestion)
			}
			return
		}
		if _, err := auth.Verify(f.IEs, s.Challenge, auth.Expect{
			Methods: s.AuthMethods,
			Secrets: s.Secret,
			InKeys:  s.InKeys,
		}, e.keys); err != nil {
			e.authFail(s, frame.CmdRegRej)
			return
		}
	}
	e.cancel(&s.Timers.Auto)
	s.Authenticated = true

	refresh := 0
	if !release {
		g := s.Config.Config.General
		requested, _ := f.IEs.Uint16(frame.IERefresh)
		refresh = registry.ClampRefresh(int(requested), g.MinRegExpire, g.MaxRegExpire, g.DefaultRegExpire)
	}
	e.updateBinding(name, in.addr, refresh, in)

	var ies frame.IEs
	ies.AddString(frame.IEUsername, name)
	ies.AddUint32(frame.IEDateTime, frame.DateTime(e.clock.Now()))
	ies.AddUint16(frame.IERefresh, uint16(refresh))
	ies.AddAddr(frame.IEApparentAddr, in.addr)
	ies.AddUint16(frame.IEMsgCount, 0)
	e.sendCommand(s, frame.CmdRegAck, ies, sendOpts{final: true})
	e.terminate(s, frame.CauseNormalClearing)
}

// updateBinding records where peer registered from, or removes its binding
// when refresh is zero. The store is written after the datagram's locks
// are released.
func (e *Engine) updateBinding(name string, addr *net.UDPAddr, refresh int, in *inbound) {
	now := e.clock.Now()
	e.peerMu.Lock()
	ps := e.peers[name]
	if ps == nil {
		ps = &peerState{name: name, dynamic: true, status: StatusUnregistered}
		e.peers[name] = ps
	}
	prevAddr, prevStatus := ps.addr, ps.status
	e.sched.Del(ps.expireTimer)
	ps.expireTimer = 0
	if refresh > 0 {
		ps.addr = addr
		ps.expires = now.Add(time.Duration(refresh) * time.Second)
		ps.expireTimer = e.sched.Add(time.Duration(refresh)*time.Second, func() { e.expireBinding(name) })
		if ps.status == StatusUnregistered {
			ps.status = registeredStatus(e.snap(), name)
		}
	} else {
		ps.addr = nil
		ps.expires = time.Time{}
		ps.status = StatusUnregistered
	}
	status, newAddr := ps.status, ps.addr
	e.peerMu.Unlock()

	if !session.SameAddr(prevAddr, newAddr) || prevStatus != status {
		fields := map[string]string{"peer": name, "status": status}
		if refresh > 0 {
			fields["addr"] = addr.String()
			fields["refresh"] = strconv.Itoa(refresh)
		}
		e.emit(events.PeerStatus, fields)
		logrus.WithFields(logrus.Fields{
			"function": "Engine.updateBinding",
			"peer":     name,
			"addr":     addrString(addr),
			"refresh":  refresh,
		}).Info("Peer registration changed")
	}
	if refresh > 0 && prevAddr == nil {
		if p, ok := e.snap().Peer(name); ok && p.Qualify.Enabled {
			e.schedulePoke(name, 0)
		}
	}

	b := registry.Binding{
		Peer:       name,
		Addr:       addr.String(),
		Refresh:    refresh,
		Registered: now,
		Expires:    now.Add(time.Duration(refresh) * time.Second),
	}
	in.after(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		var err error
		if refresh > 0 {
			err = e.store.Put(ctx, b)
		} else {
			err = e.store.Delete(ctx, name)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.updateBinding",
				"peer":     name,
				"error":    err.Error(),
			}).Warn("Failed to persist binding")
		}
	})
}

// expireBinding drops a binding the peer did not refresh in time.
func (e *Engine) expireBinding(name string) {
	e.peerMu.Lock()
	ps := e.peers[name]
	if ps == nil || ps.addr == nil {
		e.peerMu.Unlock()
		return
	}
	ps.expireTimer = 0
	ps.addr = nil
	ps.expires = time.Time{}
	ps.status = StatusUnregistered
	e.sched.Del(ps.pokeTimer)
	ps.pokeTimer = 0
	e.peerMu.Unlock()

	e.emit(events.PeerStatus, map[string]string{"peer": name, "status": StatusUnregistered, "reason": "expired"})
	logrus.WithFields(logrus.Fields{
		"function": "Engine.expireBinding",
		"peer":     name,
	}).Info("Peer registration expired")

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := e.store.Delete(ctx, name); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.expireBinding",
			"peer":     name,
			"error":    err.Error(),
		}).Warn("Failed to delete binding")
	}
}

// restoreBindings reloads unexpired bindings of configured dynamic peers
// from the store.
func (e *Engine) restoreBindings() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	bindings, err := e.store.List(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.restoreBindings",
			"error":    err.Error(),
		}).Warn("Cannot list stored bindings")
		return
	}
	snap := e.snap()
	now := e.clock.Now()
	restored := 0
	for _, b := range bindings {
		p, ok := snap.Peer(b.Peer)
		addr, aerr := net.ResolveUDPAddr("udp", b.Addr)
		if !ok || !p.Dynamic || aerr != nil || !b.Expires.After(now) {
			_ = e.store.Delete(ctx, b.Peer)
			continue
		}
		name := b.Peer
		e.peerMu.Lock()
		ps := e.peers[name]
		if ps == nil {
			ps = &peerState{name: name, dynamic: true}
			e.peers[name] = ps
		}
		ps.addr = addr
		ps.expires = b.Expires
		ps.status = registeredStatus(snap, name)
		ps.expireTimer = e.sched.Replace(ps.expireTimer, b.Expires.Sub(now), func() { e.expireBinding(name) })
		e.peerMu.Unlock()
		restored++
	}
	logrus.WithFields(logrus.Fields{
		"function": "Engine.restoreBindings",
		"restored": restored,
	}).Info("Restored peer bindings")
}
