package iaxcore

import (
	"time"

	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/jitter"
	"github.com/opd-ai/iaxcore/pbx"
	"github.com/opd-ai/iaxcore/session"
)

// defaultFrameMs sizes frames whose duration cannot be derived from the
// payload.
const defaultFrameMs = 20

// deliver hands an inbound frame to the call's owner, through the jitter
// buffer unless the session bypasses it.
func (e *Engine) deliver(s *session.Session, pf pbx.Frame) {
	if s.Owner == nil {
		return
	}
	now := e.clock.Now()
	pf.Delivery = now
	if s.JB == nil || s.JBPolicy.Bypass(s.Owner.BridgedWantsJitter()) {
		if s.JB != nil {
			e.flushJitter(s)
		}
		s.Owner.Deliver(pf)
		return
	}

	jf := jitter.Frame{Data: pf, TS: int64(pf.TS), Kind: jitter.KindControl}
	switch pf.Type {
	case frame.TypeVoice:
		jf.Kind = jitter.KindVoice
		jf.Len = frameMs(frame.Format(pf.Subclass), pf.Samples)
	case frame.TypeCNG:
		jf.Kind = jitter.KindSilence
	}
	rx := int64(s.Rx.Stamp(now, pf.TS))
	if s.JB.Put(jf, rx) == jitter.Drop {
		return
	}
	e.scheduleJitter(s, rx)
}

func frameMs(f frame.Format, samples int) int64 {
	rate := f.SampleRate()
	if rate <= 0 || samples <= 0 {
		return defaultFrameMs
	}
	if ms := int64(samples) * 1000 / int64(rate); ms > 0 {
		return ms
	}
	return 1
}

// scheduleJitter arms the playout timer for the buffer's next due frame.
func (e *Engine) scheduleJitter(s *session.Session, rx int64) {
	next := s.JB.Next()
	e.cancel(&s.Timers.JB)
	if next < 0 {
		return
	}
	delay := time.Duration(next-rx) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.Timers.JB = e.after(s, delay, e.jitterTick)
}

// jitterTick plays out every frame that is due, synthesizing the ones that
// went missing.
func (e *Engine) jitterTick(s *session.Session) {
	s.Timers.JB = 0
	if s.Owner == nil || s.JB == nil {
		return
	}
	now := e.clock.Now()
	rx := int64(s.Rx.Stamp(now, 0))
	interp := frameMs(s.VoiceFormat, 0)
	for {
		jf, res := s.JB.Get(rx, interp)
		switch res {
		case jitter.OK:
			pf := jf.Data.(pbx.Frame)
			pf.Delivery = now
			s.Owner.Deliver(pf)
		case jitter.Interp:
			s.Owner.Deliver(pbx.Frame{
				Type:         frame.TypeVoice,
				Subclass:     uint32(s.VoiceFormat),
				TS:           uint32(jf.TS),
				Samples:      int(jf.Len) * s.VoiceFormat.SampleRate() / 1000,
				Interpolated: true,
				Delivery:     now,
			})
		case jitter.Drop:
		default:
			e.scheduleJitter(s, rx)
			return
		}
	}
}

// flushJitter delivers everything buffered, used when a session starts
// bypassing its buffer.
func (e *Engine) flushJitter(s *session.Session) {
	for _, jf := range s.JB.GetAll() {
		if pf, ok := jf.Data.(pbx.Frame); ok {
			s.Owner.Deliver(pf)
		}
	}
	e.cancel(&s.Timers.JB)
}
