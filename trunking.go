package iaxcore

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/pbx"
	"github.com/opd-ai/iaxcore/session"
)

// processTrunk splits a meta trunk frame into per-call voice frames.
// Entries for unknown calls are skipped; a truncated tail still delivers
// the entries before it.
func (e *Engine) processTrunk(data []byte, in *inbound) error {
	t, err := frame.DecodeTrunk(data)
	if t == nil {
		return decodeErr(err)
	}
	for _, en := range t.Entries {
		e.trunkEntry(t, en, in)
	}
	if err != nil {
		return decodeErr(err)
	}
	return nil
}

func (e *Engine) trunkEntry(t *frame.Trunk, en frame.TrunkEntry, in *inbound) {
	s := e.table.Find(session.Match{Addr: in.addr, Src: en.CallNo})
	if s == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.trunkEntry",
			"peer":     addrString(in.addr),
			"callno":   en.CallNo,
		}).Debug("Trunk entry for unknown call")
		return
	}
	defer e.table.UnlockSession(s)
	if s.Kind != session.KindCall || s.Phase != session.PhaseStarted || s.VoiceFormat == 0 {
		return
	}
	samples := s.VoiceFormat.Samples(len(en.Payload))
	var ts uint32
	if t.WithTimestamps {
		ts = s.Rx.Unwrap(en.Timestamp, false)
	} else {
		// Untimestamped entries follow the previous frame of the call.
		ts = s.Rx.Last() + uint32(frameMs(s.VoiceFormat, samples))
		s.Rx.Observe(ts)
	}
	s.Stats.FramesIn++
	e.deliver(s, pbx.Frame{
		Type:     frame.TypeVoice,
		Subclass: uint32(s.VoiceFormat),
		Data:     en.Payload,
		Samples:  samples,
		TS:       ts,
	})
}

// armTrunk starts the periodic trunk flush.
func (e *Engine) armTrunk() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.closed.Load() {
		return
	}
	e.trunkTimer = e.sched.Add(e.trunk.Freq(), e.trunkTick)
}

func (e *Engine) trunkTick() {
	e.trunk.FlushAll(e.clock.Now())
	e.armTrunk()
}
