package iaxcore

import (
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/iaxcore/events"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/jitter"
	"github.com/opd-ai/iaxcore/sched"
	"github.com/opd-ai/iaxcore/session"
)

// initSession binds a fresh session to the current configuration.
func (e *Engine) initSession(s *session.Session) {
	snap := e.snap()
	g := snap.Config.General
	s.Config = snap
	s.Capability = snap.Capability
	s.Prefs = snap.Prefs
	s.JBPolicy = jitter.Policy{Enabled: g.Jitter.Enabled, Force: g.Jitter.Force}
	if g.Jitter.Enabled {
		cfg := jitter.DefaultConfig()
		if g.Jitter.MaxMS > 0 {
			cfg.MaxJitterBuf = int64(g.Jitter.MaxMS)
		}
		if g.Jitter.ResyncThreshold > 0 {
			cfg.ResyncThreshold = int64(g.Jitter.ResyncThreshold)
		}
		cfg.TargetExtra = int64(g.Jitter.TargetExtra)
		s.JB = jitter.New(cfg)
	}
	e.metrics.Sessions.Set(float64(e.table.Count()))
}

// after schedules fn on s. The callback runs with the session locked and
// is skipped if the call number was reused in the meantime.
func (e *Engine) after(s *session.Session, d time.Duration, fn func(s *session.Session)) sched.ID {
	callno, gen := s.CallNo, s.Gen
	return e.sched.Add(d, func() {
		s := e.table.Acquire(callno, gen)
		if s == nil {
			return
		}
		defer e.table.UnlockSession(s)
		fn(s)
	})
}

func (e *Engine) cancel(id *sched.ID) {
	if *id != 0 {
		e.sched.Del(*id)
		*id = 0
	}
}

func causeIEs(text string, cause uint8) frame.IEs {
	var ies frame.IEs
	if text != "" {
		ies.AddString(frame.IECause, text)
	}
	if cause != 0 {
		ies.AddUint8(frame.IECauseCode, cause)
	}
	return ies
}

func causeOf(ies frame.IEs, def uint8) uint8 {
	if c, ok := ies.Uint8(frame.IECauseCode); ok && c != 0 {
		return c
	}
	return def
}

func (e *Engine) releaseAuth(s *session.Session) {
	if s.AuthCredential != "" {
		e.throttle.Release(s.AuthCredential)
		s.AuthCredential = ""
	}
}

// notifyOwner hands the hangup to the call's owner, once.
func (e *Engine) notifyOwner(s *session.Session, cause uint8) {
	if s.Owner == nil {
		return
	}
	owner := s.Owner
	s.Owner = nil
	owner.Hangup(cause)
}

// predestroy stops everything a session does besides delivering frames
// still in flight: timers, the owner and authentication bookkeeping.
func (e *Engine) predestroy(s *session.Session, cause uint8) {
	if s.Cause == 0 {
		s.Cause = cause
	}
	for _, id := range s.ClearTimers() {
		e.sched.Del(id)
	}
	e.releaseAuth(s)
	if s.Kind == session.KindCall && s.Phase != session.PhaseGone {
		e.emit(events.Hangup, map[string]string{
			"callno":   strconv.Itoa(int(s.CallNo)),
			"uniqueid": s.UniqueID,
			"peer":     addrString(s.Addr),
			"cause":    strconv.Itoa(int(s.Cause)),
		})
	}
	e.notifyOwner(s, s.Cause)
	s.Phase = session.PhaseGone
}

// destroy tears s down and frees its call number. The slot stays locked.
func (e *Engine) destroy(s *session.Session) {
	e.predestroy(s, frame.CauseNormalClearing)
	e.queue.Cancel(s.CallNo)
	if s.JB != nil {
		s.JB.Reset()
	}
	if s.Cipher != nil {
		s.Cipher.Wipe()
		s.Cipher = nil
	}
	e.table.Release(s)
	e.metrics.Sessions.Set(float64(e.table.Count()))

	logrus.WithFields(logrus.Fields{
		"function": "Engine.destroy",
		"callno":   s.CallNo,
		"kind":     s.Kind.String(),
		"cause":    s.Cause,
	}).Debug("Session destroyed")
}

// terminate ends s after a final frame was queued: the session lingers
// until the frame is acknowledged or abandoned.
func (e *Engine) terminate(s *session.Session, cause uint8) {
	e.predestroy(s, cause)
	s.DestroyPending = true
	if !e.queue.Live(s.CallNo) {
		e.destroy(s)
	}
}

func (e *Engine) sendHangup(s *session.Session, text string, cause uint8) {
	e.sendCommand(s, frame.CmdHangup, causeIEs(text, cause), sendOpts{final: true})
}

// hangupSession sends HANGUP and ends the session.
func (e *Engine) hangupSession(s *session.Session, text string, cause uint8) {
	if s.Phase == session.PhaseGone {
		return
	}
	e.sendHangup(s, text, cause)
	e.terminate(s, cause)
}

// rejectWith answers with REJECT or REGREJ and ends the session.
func (e *Engine) rejectWith(s *session.Session, cmd frame.Command, text string, cause uint8) {
	e.sendCommand(s, cmd, causeIEs(text, cause), sendOpts{final: true})
	e.terminate(s, cause)
}

func (e *Engine) reject(s *session.Session, text string, cause uint8) {
	logrus.WithFields(logrus.Fields{
		"function": "Engine.reject",
		"callno":   s.CallNo,
		"peer":     addrString(s.Addr),
		"user":     s.Username,
		"reason":   text,
	}).Info("Rejecting call")
	e.rejectWith(s, frame.CmdReject, text, cause)
}

// authFail rejects a peer that failed authentication, after
// auth_reject_delay when delay_reject is on.
func (e *Engine) authFail(s *session.Session, cmd frame.Command) {
	e.metrics.AuthFailures.Inc()
	e.releaseAuth(s)
	logrus.WithFields(logrus.Fields{
		"function": "Engine.authFail",
		"callno":   s.CallNo,
		"peer":     addrString(s.Addr),
		"user":     s.Username,
	}).Warn("Authentication failed")

	g := s.Config.Config.General
	reject := func(s *session.Session) {
		e.rejectWith(s, cmd, "No authority found", frame.CauseFacilityRejected)
	}
	if !g.DelayReject || g.AuthRejectDelay <= 0 {
		reject(s)
		return
	}
	e.cancel(&s.Timers.Auto)
	s.Phase = session.PhaseGone
	s.Timers.AuthReject = e.after(s, g.AuthRejectDelay, reject)
}
