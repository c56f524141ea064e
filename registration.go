package iaxcore

import (
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/iaxcore/auth"
	"github.com/opd-ai/iaxcore/config"
	"github.com/opd-ai/iaxcore/events"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/registry"
	"github.com/opd-ai/iaxcore/sched"
	"github.com/opd-ai/iaxcore/session"
)

// outboundReg is one registration we keep alive with a remote registrar.
// Every field is guarded by Engine.regMu.
type outboundReg struct {
	entry *config.RegistrationEntry
	reg   *registry.Registration
	// gen is the generation of the session carrying the current exchange.
	gen   uint64
	timer sched.ID
}

func newOutboundReg(r *config.RegistrationEntry) *outboundReg {
	return &outboundReg{
		entry: r,
		reg: &registry.Registration{
			Username: r.Username,
			Secret:   r.Secret,
			Host:     r.Host,
			Addr:     r.Addr,
			Refresh:  r.Refresh,
		},
	}
}

func (e *Engine) registerAll() {
	e.regMu.Lock()
	regs := append([]*outboundReg(nil), e.regs...)
	e.regMu.Unlock()
	for _, r := range regs {
		e.register(r)
	}
}

// register sends a fresh REGREQ for r, abandoning any exchange still in
// progress.
func (e *Engine) register(r *outboundReg) {
	if e.closed.Load() {
		return
	}
	e.regMu.Lock()
	r.timer = 0
	old, oldGen := r.reg.CallNo, r.gen
	r.reg.CallNo = 0
	addr := r.reg.Addr
	refresh := r.reg.Refresh
	e.regMu.Unlock()

	if old != 0 {
		if s := e.table.Acquire(old, oldGen); s != nil {
			e.destroy(s)
			e.table.UnlockSession(s)
		}
	}
	if addr == nil {
		a, err := config.ResolveHost(r.entry.Host)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.register",
				"host":     r.entry.Host,
				"error":    err.Error(),
			}).Warn("Cannot resolve registrar")
			e.rescheduleReg(r, registry.NextRefresh(refresh))
			return
		}
		addr = a
	}

	s, err := e.table.Allocate(addr, false)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Engine.register",
			"registration": r.reg.Name(),
			"error":        err.Error(),
		}).Warn("No call number for registration")
		e.rescheduleReg(r, registry.NextRefresh(refresh))
		return
	}
	defer e.table.UnlockSession(s)
	e.initSession(s)
	s.Kind = session.KindRegistration
	s.Outgoing = true
	s.RegName = r.reg.Name()
	s.Username = r.entry.Username
	s.Secret = r.entry.Secret
	s.OutKey = r.entry.OutKey
	s.AuthMethods = frame.AuthMD5 | frame.AuthPlaintext | frame.AuthRSA
	s.Refresh = refresh

	var ies frame.IEs
	ies.AddString(frame.IEUsername, s.Username)
	ies.AddUint16(frame.IERefresh, uint16(refresh))
	e.sendCommand(s, frame.CmdRegReq, ies, sendOpts{})

	e.regMu.Lock()
	r.reg.Addr = addr
	r.reg.CallNo = s.CallNo
	r.gen = s.Gen
	r.reg.Sent(e.clock.Now())
	e.updateRegMetricsLocked()
	e.regMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Engine.register",
		"registration": s.RegName,
		"callno":       s.CallNo,
		"refresh":      refresh,
	}).Debug("Registration sent")
}

// withReg runs fn on the registration s carries, if it still does. The
// slot of s is held by the caller.
func (e *Engine) withReg(s *session.Session, fn func(r *outboundReg)) bool {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	for _, r := range e.regs {
		if r.reg.CallNo == s.CallNo && r.gen == s.Gen {
			fn(r)
			e.updateRegMetricsLocked()
			return true
		}
	}
	return false
}

// rescheduleReg arms the next attempt for r.
func (e *Engine) rescheduleReg(r *outboundReg, d time.Duration) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.rescheduleRegLocked(r, d)
}

func (e *Engine) rescheduleRegLocked(r *outboundReg, d time.Duration) {
	r.timer = e.sched.Replace(r.timer, d, func() { e.register(r) })
}

func (e *Engine) updateRegMetricsLocked() {
	e.metrics.Registrations.Reset()
	for _, r := range e.regs {
		e.metrics.Registrations.WithLabelValues(r.reg.State.String()).Inc()
	}
}

// handleRegAuth answers the registrar's challenge.
func (e *Engine) handleRegAuth(s *session.Session, f *frame.Full) {
	if s.Kind != session.KindRegistration || !s.Outgoing {
		return
	}
	offered, _ := f.IEs.Uint16(frame.IEAuthMethods)
	challenge := f.IEs.Str(frame.IEChallenge)

	var ies frame.IEs
	ies.AddString(frame.IEUsername, s.Username)
	ies.AddUint16(frame.IERefresh, uint16(s.Refresh))
	_, _, err := auth.Answer(&ies, s.AuthMethods, offered, challenge, auth.Credentials{
		Secret: s.Secret,
		OutKey: s.OutKey,
	}, e.keys)
	now := e.clock.Now()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Engine.handleRegAuth",
			"registration": s.RegName,
			"offered":      auth.MethodNames(offered),
			"error":        err.Error(),
		}).Warn("Cannot answer registrar challenge")
		e.withReg(s, func(r *outboundReg) {
			r.reg.Unanswerable(now)
			r.reg.CallNo = 0
			e.rescheduleRegLocked(r, registry.NextRefresh(r.reg.Refresh))
		})
		e.sendAck(s, f.Timestamp)
		e.destroy(s)
		return
	}
	s.Challenge = challenge
	s.Phase = session.PhaseAuthReplied
	e.sendCommand(s, frame.CmdRegReq, ies, sendOpts{})
	e.withReg(s, func(r *outboundReg) { r.reg.Authenticating(now) })
}

// handleRegAck records a successful registration and schedules the
// refresh.
func (e *Engine) handleRegAck(s *session.Session, f *frame.Full) {
	if s.Kind != session.KindRegistration || !s.Outgoing {
		return
	}
	apparent, _ := f.IEs.Addr(frame.IEApparentAddr)
	refresh := s.Refresh
	if v, ok := f.IEs.Uint16(frame.IERefresh); ok {
		refresh = int(v)
	}
	msgs := 0
	if v, ok := f.IEs.Uint16(frame.IEMsgCount); ok {
		msgs = int(v)
	} else if v, ok := f.IEs.Uint8(frame.IEMsgCount); ok {
		msgs = int(v)
	}

	var name string
	var changed bool
	e.withReg(s, func(r *outboundReg) {
		prev := r.reg.State
		oldApparent := r.reg.Apparent
		delay := r.reg.Acked(e.clock.Now(), apparent, refresh, msgs)
		r.reg.CallNo = 0
		e.rescheduleRegLocked(r, delay)
		name = r.reg.Name()
		changed = prev != registry.Registered || !session.SameAddr(oldApparent, apparent)
	})
	e.sendAck(s, f.Timestamp)

	if changed {
		fields := map[string]string{
			"registration": name,
			"status":       registry.Registered.String(),
			"refresh":      strconv.Itoa(refresh),
			"messages":     strconv.Itoa(msgs),
		}
		if apparent != nil {
			fields["apparent"] = apparent.String()
		}
		e.emit(events.Registry, fields)
		logrus.WithFields(logrus.Fields{
			"function":     "Engine.handleRegAck",
			"registration": name,
			"apparent":     addrString(apparent),
			"refresh":      refresh,
		}).Info("Registered")
	}
	s.AlreadyGone = true
	e.destroy(s)
}

func (e *Engine) handleRegRej(s *session.Session, f *frame.Full) {
	if s.Kind != session.KindRegistration || !s.Outgoing {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":     "Engine.handleRegRej",
		"registration": s.RegName,
		"reason":       f.IEs.Str(frame.IECause),
	}).Warn("Registration rejected")
	e.registrationRejected(s)
	e.sendAck(s, f.Timestamp)
	s.AlreadyGone = true
	e.destroy(s)
}

func (e *Engine) registrationRejected(s *session.Session) {
	e.registrationFailed(s, registry.Rejected)
}

func (e *Engine) registrationTimedOut(s *session.Session) {
	e.registrationFailed(s, registry.Timeout)
}

func (e *Engine) registrationFailed(s *session.Session, st registry.State) {
	now := e.clock.Now()
	var name string
	e.withReg(s, func(r *outboundReg) {
		if st == registry.Rejected {
			r.reg.Rejected(now)
		} else {
			r.reg.TimedOut(now)
		}
		r.reg.CallNo = 0
		e.rescheduleRegLocked(r, registry.NextRefresh(r.reg.Refresh))
		name = r.reg.Name()
	})
	if name == "" {
		return
	}
	e.emit(events.Registry, map[string]string{
		"registration": name,
		"status":       st.String(),
	})
}

// syncRegistrations applies a reloaded registration list: unchanged
// entries keep their state, new ones register at once and removed ones
// stop refreshing.
func (e *Engine) syncRegistrations(snap *config.Snapshot) {
	e.regMu.Lock()
	existing := make(map[string]*outboundReg, len(e.regs))
	for _, r := range e.regs {
		existing[regKey(r.entry)] = r
	}
	var keep, fresh []*outboundReg
	for _, entry := range snap.Registrations {
		if r, ok := existing[regKey(entry)]; ok {
			r.entry = entry
			r.reg.Secret = entry.Secret
			keep = append(keep, r)
			delete(existing, regKey(entry))
			continue
		}
		r := newOutboundReg(entry)
		keep = append(keep, r)
		fresh = append(fresh, r)
	}
	e.regs = keep
	for _, r := range existing {
		e.sched.Del(r.timer)
		r.timer = 0
	}
	e.updateRegMetricsLocked()
	e.regMu.Unlock()

	e.timerMu.Lock()
	started := e.started
	e.timerMu.Unlock()
	if !started {
		return
	}
	for _, r := range fresh {
		e.register(r)
	}
}

func regKey(r *config.RegistrationEntry) string {
	return r.Username + "@" + r.Host + "/" + strconv.Itoa(r.Refresh)
}

// Registrations reports the state of every outbound registration.
func (e *Engine) Registrations() []registry.Status {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	out := make([]registry.Status, 0, len(e.regs))
	for _, r := range e.regs {
		out = append(out, r.reg.Status())
	}
	return out
}
