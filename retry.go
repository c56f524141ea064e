package iaxcore

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/reliable"
	"github.com/opd-ai/iaxcore/session"
)

// armRetry makes sure a sweep runs no later than at.
func (e *Engine) armRetry(at time.Time) {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	if e.retryID != 0 && !at.Before(e.retryAt) {
		return
	}
	if e.retryID != 0 {
		e.sched.Del(e.retryID)
	}
	e.retryAt = at
	e.retryID = e.sched.AddAt(at, e.sweep)
}

// sweep retransmits due frames and handles the ones out of retries.
func (e *Engine) sweep() {
	e.retryMu.Lock()
	e.retryID = 0
	e.retryMu.Unlock()

	res := e.queue.Sweep(e.clock.Now())
	for _, en := range res.Resend {
		s := e.table.Acquire(en.CallNo, en.Gen)
		if s == nil {
			continue
		}
		e.retransmit(s, en)
		e.table.UnlockSession(s)
	}
	for _, en := range res.Failed {
		e.metrics.RetryFailures.Inc()
		s := e.table.Acquire(en.CallNo, en.Gen)
		if s == nil {
			continue
		}
		e.retryExhausted(s, en)
		e.table.UnlockSession(s)
	}
	if next, ok := e.queue.Next(); ok {
		e.armRetry(next)
	}
}

// retryExhausted handles a frame that was never acknowledged. A failed
// transfer frame only aborts the transfer; a final frame finishes the
// teardown it started; anything else means the peer is gone.
func (e *Engine) retryExhausted(s *session.Session, en reliable.Entry) {
	logrus.WithFields(logrus.Fields{
		"function": "Engine.retryExhausted",
		"callno":   s.CallNo,
		"peer":     addrString(en.Addr),
		"frame":    en.Frame.String(),
		"retries":  en.Retries,
	}).Warn("Peer never acknowledged frame")

	switch {
	case en.Transfer:
		e.transferFailed(s)
		return
	case en.Final:
		e.destroy(s)
		return
	}
	switch s.Kind {
	case session.KindRegistration:
		e.registrationTimedOut(s)
	case session.KindPoke:
		e.pokeFailed(s)
	}
	s.AlreadyGone = true
	s.Cause = frame.CauseDestOutOfOrder
	e.destroy(s)
}
