package iaxcore

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/reliable"
	"github.com/opd-ai/iaxcore/session"
	"github.com/opd-ai/iaxcore/timestamp"
	"github.com/opd-ai/iaxcore/transfer"
)

// sendOpts tunes one full frame send.
type sendOpts struct {
	// ts is used verbatim when fixedTS is set, as for ACK and PONG.
	ts      uint32
	fixedTS bool
	// final frames destroy the session once acknowledged.
	final bool
	// transfer frames go to the transfer peer with zero sequence numbers.
	transfer bool
	// clear frames are never encrypted.
	clear bool
}

// unreliable frames are sent once and never queued for retransmission.
func unreliable(f *frame.Full) bool {
	if f.Type != frame.TypeIAX {
		return false
	}
	switch f.Command() {
	case frame.CmdAck, frame.CmdInval, frame.CmdVNAK, frame.CmdTxAcc, frame.CmdUnsupport:
		return true
	}
	return false
}

func (e *Engine) sendCommand(s *session.Session, cmd frame.Command, ies frame.IEs, o sendOpts) {
	e.sendFull(s, &frame.Full{Type: frame.TypeIAX, Subclass: uint32(cmd), IEs: ies}, o)
}

// sendFull stamps, sequences, transmits and, unless the frame is
// unreliable, queues f for retransmission. The session is locked.
func (e *Engine) sendFull(s *session.Session, f *frame.Full, o sendOpts) {
	if o.fixedTS {
		f.Timestamp = o.ts
	} else {
		f.Timestamp = e.stamp(s, f)
	}
	f.SrcCallNo = s.CallNo
	reliableFrame := !unreliable(f)

	addr := s.Addr
	if o.transfer {
		addr = s.Transfer.Addr
		f.DstCallNo = s.Transfer.CallNo
		f.OSeqNo, f.ISeqNo = 0, 0
	} else {
		f.DstCallNo = s.PeerCallNo
		f.OSeqNo = s.OSeqNo
		f.ISeqNo = s.ISeqNo
		s.ASeqNo = s.ISeqNo
		if reliableFrame {
			s.OSeqNo++
		}
	}
	if addr == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.sendFull",
			"callno":   s.CallNo,
			"frame":    f.String(),
		}).Warn("No address to send to")
		return
	}

	e.transmit(s, f, addr, o.clear)
	if !reliableFrame || s.AlreadyGone {
		return
	}
	at := e.queue.Add(&reliable.Entry{
		CallNo:   s.CallNo,
		Gen:      s.Gen,
		Addr:     addr,
		Frame:    f,
		Final:    o.final,
		Transfer: o.transfer,
		Clear:    o.clear,
	}, s.PingTime)
	e.armRetry(at)
}

func (e *Engine) stamp(s *session.Session, f *frame.Full) uint32 {
	now := e.clock.Now()
	switch f.Type {
	case frame.TypeIAX:
		return s.Tx.Stamp(now, timestamp.Genuine, 0, 0)
	case frame.TypeVoice:
		fm := frame.Format(f.Subclass)
		return s.Tx.Stamp(now, timestamp.Voice, fm.Samples(len(f.Payload)), fm.SampleRate())
	case frame.TypeVideo:
		return s.Tx.Stamp(now, timestamp.Video, 0, 0)
	}
	return s.Tx.Stamp(now, timestamp.Other, 0, 0)
}

// transmit encodes, encrypts and writes a full frame.
func (e *Engine) transmit(s *session.Session, f *frame.Full, addr *net.UDPAddr, clear bool) {
	data, err := f.Marshal()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.transmit",
			"callno":   s.CallNo,
			"frame":    f.String(),
			"error":    err.Error(),
		}).Error("Failed to encode frame")
		return
	}
	if s.Cipher != nil && !clear {
		if data, err = s.Cipher.Encrypt(data, 4); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.transmit",
				"callno":   s.CallNo,
				"error":    err.Error(),
			}).Error("Failed to encrypt frame")
			return
		}
	}
	if e.debug.Load() {
		logFrame("Tx", s, f, addr)
	}
	s.Stats.FramesOut++
	e.write(data, addr, frame.KindFull)
}

// write sends one datagram and accounts for it.
func (e *Engine) write(data []byte, addr *net.UDPAddr, kind frame.Kind) {
	if err := e.tr.Send(data, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.write",
			"peer":     addrString(addr),
			"error":    err.Error(),
		}).Warn("Send failed")
		return
	}
	e.framesOut.Add(1)
	e.metrics.FramesOut.WithLabelValues(kind.String()).Inc()
}

func (e *Engine) sendTrunk(addr *net.UDPAddr, data []byte) error {
	if err := e.tr.Send(data, addr); err != nil {
		return err
	}
	e.framesOut.Add(1)
	e.metrics.FramesOut.WithLabelValues(frame.KindTrunk.String()).Inc()
	e.metrics.TrunkFlushes.Inc()
	return nil
}

func (e *Engine) sendAck(s *session.Session, ts uint32) {
	e.sendCommand(s, frame.CmdAck, nil, sendOpts{ts: ts, fixedTS: true})
}

func (e *Engine) sendVNAK(s *session.Session) {
	s.Stats.VNAKsSent++
	e.sendCommand(s, frame.CmdVNAK, nil, sendOpts{})
}

// retransmit resends a queued frame with the retransmit bit and a fresh
// acknowledgement number.
func (e *Engine) retransmit(s *session.Session, en reliable.Entry) {
	f := *en.Frame
	f.Retransmit = true
	if !en.Transfer {
		f.ISeqNo = s.ISeqNo
		s.ASeqNo = s.ISeqNo
	}
	s.Stats.Retransmits++
	e.metrics.Retransmits.Inc()
	e.transmit(s, &f, en.Addr, en.Clear)
}

// mediaAddr is where meta media goes: the transfer peer once media flows
// directly, the signaling peer otherwise.
func mediaAddr(s *session.Session) *net.UDPAddr {
	if s.Transfer.State == transfer.MediaPass && s.Transfer.Addr != nil {
		return s.Transfer.Addr
	}
	return s.Addr
}

// sendVoice sends one voice payload. A full frame goes out when the format
// changes or the timestamp leaves the 16-bit window of the last full one;
// otherwise a mini frame or a trunk entry is enough.
func (e *Engine) sendVoice(s *session.Session, format frame.Format, payload []byte) {
	if s.Quelched {
		return
	}
	ts := s.Tx.Stamp(e.clock.Now(), timestamp.Voice, format.Samples(len(payload)), format.SampleRate())
	if format != s.SentVoice || ts&0xffff0000 != s.VoiceTS&0xffff0000 {
		s.SentVoice, s.VoiceTS = format, ts
		e.sendFull(s, &frame.Full{Type: frame.TypeVoice, Subclass: uint32(format), Payload: payload}, sendOpts{ts: ts, fixedTS: true})
		return
	}

	addr := mediaAddr(s)
	if s.Trunk && s.Cipher == nil {
		if err := e.trunk.Queue(addr, s.CallNo, uint16(ts), payload); err == nil {
			s.Stats.FramesOut++
		}
		return
	}
	m := &frame.Mini{CallNo: s.CallNo, Timestamp: uint16(ts), Payload: payload}
	data, err := m.Marshal()
	if err != nil {
		return
	}
	if s.Cipher != nil {
		if data, err = s.Cipher.Encrypt(data, 2); err != nil {
			return
		}
	}
	s.Stats.FramesOut++
	e.write(data, addr, frame.KindMini)
}

// sendVideo sends one video payload, as a full frame on format or
// timestamp window changes and as a video meta frame otherwise.
func (e *Engine) sendVideo(s *session.Session, format frame.Format, payload []byte, mark bool) {
	if s.Quelched {
		return
	}
	ts := s.Tx.Stamp(e.clock.Now(), timestamp.Video, 0, 0)
	if format != s.SentVideo || ts&0xffff8000 != s.VideoTS&0xffff8000 {
		s.SentVideo, s.VideoTS = format, ts
		e.sendFull(s, &frame.Full{Type: frame.TypeVideo, Subclass: uint32(format), Payload: payload, Mark: mark}, sendOpts{ts: ts, fixedTS: true})
		return
	}
	addr := mediaAddr(s)
	v := &frame.Video{CallNo: s.CallNo, Timestamp: uint16(ts & 0x7fff), Mark: mark, Payload: payload}
	data, err := v.Marshal()
	if err != nil {
		return
	}
	if s.Cipher != nil {
		if data, err = s.Cipher.Encrypt(data, 4); err != nil {
			return
		}
	}
	s.Stats.FramesOut++
	e.write(data, addr, frame.KindVideo)
}
