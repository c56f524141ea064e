package iaxcore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/limits"
	"github.com/opd-ai/iaxcore/pbx"
	"github.com/opd-ai/iaxcore/reliable"
	"github.com/opd-ai/iaxcore/session"
)

// inbound carries per-datagram context through the handlers. Work that
// needs other call locks is queued in post and run after the datagram's
// own call is unlocked.
type inbound struct {
	addr *net.UDPAddr
	post []func()
}

func (in *inbound) after(fn func()) { in.post = append(in.post, fn) }

// HandleDatagram takes one datagram off the wire. It is the transport
// handler. Work is handed to the pool keyed by peer and source call number
// so frames of one call are processed in order; inline engines process on
// the calling goroutine.
func (e *Engine) HandleDatagram(data []byte, addr *net.UDPAddr) {
	if err := limits.ValidateDatagram(data); err != nil {
		e.drop(&StageError{Stage: StageHeader, Err: err}, addr)
		return
	}
	if e.pool == nil {
		e.receive(data, addr)
		return
	}
	buf := append([]byte(nil), data...)
	if err := e.pool.Dispatch(dispatchKey(buf, addr), func() { e.receive(buf, addr) }); err != nil {
		e.drop(&StageError{Stage: StageDispatch, Err: err}, addr)
	}
}

func dispatchKey(data []byte, addr *net.UDPAddr) string {
	src, _, _ := frame.PeekFull(data)
	if frame.Classify(data) == frame.KindVideo {
		src = binary.BigEndian.Uint16(data[2:4]) &^ 0x8000
	}
	return addr.String() + "/" + strconv.Itoa(int(src))
}

func (e *Engine) receive(data []byte, addr *net.UDPAddr) {
	in := &inbound{addr: addr}
	err := e.process(data, in)
	for _, fn := range in.post {
		fn()
	}
	if err != nil {
		e.drop(err, addr)
	}
}

func (e *Engine) drop(err error, addr *net.UDPAddr) {
	stage := StageHeader
	var se *StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	e.dropped.Add(1)
	e.metrics.Dropped.WithLabelValues(stage.String()).Inc()

	entry := logrus.WithFields(logrus.Fields{
		"function": "Engine.receive",
		"peer":     addrString(addr),
		"stage":    stage.String(),
		"error":    err.Error(),
	})
	switch stage {
	case StageHeader, StageIE:
		entry.Warn("Dropped malformed datagram")
	default:
		entry.Debug("Dropped datagram")
	}
}

func (e *Engine) process(data []byte, in *inbound) error {
	kind := frame.Classify(data)
	e.framesIn.Add(1)
	e.metrics.FramesIn.WithLabelValues(kind.String()).Inc()
	switch kind {
	case frame.KindFull:
		return e.processFull(data, in)
	case frame.KindMini:
		return e.processMini(data, in)
	case frame.KindVideo:
		return e.processVideo(data, in)
	case frame.KindTrunk:
		return e.processTrunk(data, in)
	}
	return &StageError{Stage: StageHeader, Err: frame.ErrShortFrame}
}

func decodeErr(err error) error {
	if errors.Is(err, frame.ErrTruncatedIE) || errors.Is(err, frame.ErrIETooLong) {
		return &StageError{Stage: StageIE, Err: err}
	}
	return &StageError{Stage: StageHeader, Err: err}
}

func (e *Engine) processFull(data []byte, in *inbound) error {
	src, dst, _ := frame.PeekFull(data)
	s := e.table.Find(session.Match{Addr: in.addr, Src: src, Dst: dst, Full: true})
	if s == nil {
		f, err := frame.DecodeFull(data)
		if err != nil {
			return decodeErr(err)
		}
		return e.unmatched(f, in)
	}
	defer e.table.UnlockSession(s)

	f, err := e.decodeFull(s, data)
	if err != nil {
		return err
	}
	e.handleFull(s, f, in)
	return nil
}

// decodeFull decrypts and parses a full frame for s. Once keys are in
// place the peer may still retransmit the authentication exchange in the
// clear, so those two commands are accepted unencrypted.
func (e *Engine) decodeFull(s *session.Session, data []byte) (*frame.Full, error) {
	if s.Cipher == nil {
		f, err := frame.DecodeFull(data)
		if err != nil {
			return nil, decodeErr(err)
		}
		return f, nil
	}
	plain, derr := s.Cipher.Decrypt(data, 4)
	if derr == nil {
		f, err := frame.DecodeFull(plain)
		if err == nil {
			return f, nil
		}
		derr = err
	}
	if f, err := frame.DecodeFull(data); err == nil && (f.IsIAX(frame.CmdAuthReq) || f.IsIAX(frame.CmdAuthRep)) {
		return f, nil
	}
	s.Stats.DecryptFails++
	return nil, &StageError{Stage: StageDecrypt, Err: derr}
}

// unmatched handles a full frame no session claims: session-creating
// commands allocate one, anything else is answered with INVAL.
func (e *Engine) unmatched(f *frame.Full, in *inbound) error {
	cmd := f.Command()
	if f.Type == frame.TypeIAX && cmd.CreatesSession() && cmd != frame.CmdFwDownl {
		return e.newSession(f, in)
	}
	if needsInval(f) {
		if raw, err := frame.RawInval(f); err == nil {
			e.write(raw, in.addr, frame.KindFull)
		}
	}
	return &StageError{Stage: StageLookup, Err: fmt.Errorf("%w: %s", ErrUnknownCall, f)}
}

func needsInval(f *frame.Full) bool {
	if f.Type != frame.TypeIAX {
		return true
	}
	switch f.Command() {
	case frame.CmdInval, frame.CmdAck, frame.CmdTxCnt, frame.CmdTxAcc, frame.CmdFwDownl:
		return false
	}
	return true
}

func (e *Engine) newSession(f *frame.Full, in *inbound) error {
	s, err := e.table.Allocate(in.addr, false)
	if err != nil {
		return &StageError{Stage: StageLookup, Err: err}
	}
	defer e.table.UnlockSession(s)

	e.table.SetPeer(s, in.addr, f.SrcCallNo)
	e.initSession(s)
	switch f.Command() {
	case frame.CmdNew:
		s.Kind = session.KindCall
	case frame.CmdRegReq, frame.CmdRegRel:
		s.Kind = session.KindRegistrar
	case frame.CmdPoke:
		s.Kind = session.KindPoke
	}
	e.handleFull(s, f, in)
	return nil
}

// handleFull runs acknowledgement, sequencing and the state machine for a
// decoded full frame. The session is locked.
func (e *Engine) handleFull(s *session.Session, f *frame.Full, in *inbound) {
	s.Stats.FramesIn++
	if e.debug.Load() {
		logFrame("Rx", s, f, in.addr)
	}
	if e.onTransferPath(s, in.addr) {
		e.handleTransferPath(s, f)
		return
	}
	if s.PeerCallNo == 0 && f.SrcCallNo != 0 {
		e.table.SetPeer(s, in.addr, f.SrcCallNo)
	}

	iax := f.Type == frame.TypeIAX
	cmd := f.Command()
	if !(iax && (cmd == frame.CmdTxCnt || cmd == frame.CmdTxAcc)) {
		if e.processAcks(s, f) {
			return
		}
	}

	exempt := sequenceExempt(f)
	if !exempt {
		switch reliable.Classify(s.ISeqNo, f.OSeqNo) {
		case reliable.Duplicate:
			s.Stats.OutOfOrder++
			e.sendAck(s, f.Timestamp)
			return
		case reliable.Future:
			s.Stats.OutOfOrder++
			e.sendVNAK(s)
			return
		}
		s.ISeqNo++
	}
	if f.Type != frame.TypeVideo {
		s.Rx.Observe(f.Timestamp)
	}

	if s.Phase == session.PhaseGone && !(iax && (cmd == frame.CmdHangup || cmd == frame.CmdReject || cmd == frame.CmdInval)) {
		if !exempt {
			e.ackIfNeeded(s, f)
		}
		return
	}

	if iax {
		e.handleIAX(s, f, in)
	} else {
		e.handleMedia(s, f)
	}
	if !exempt && e.live(s) {
		e.ackIfNeeded(s, f)
	}
}

// processAcks applies the implicit acknowledgement carried by every full
// frame and the explicit one of ACK. It reports whether the session was
// destroyed because a final frame got acknowledged.
func (e *Engine) processAcks(s *session.Session, f *frame.Full) bool {
	var acked []reliable.Entry
	if reliable.InWindow(s.RSeqNo, s.OSeqNo, f.ISeqNo) {
		acked = e.queue.AckRange(s.CallNo, s.RSeqNo, f.ISeqNo)
		s.RSeqNo = f.ISeqNo
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.processAcks",
			"callno":   s.CallNo,
			"iseqno":   f.ISeqNo,
			"rseqno":   s.RSeqNo,
			"oseqno":   s.OSeqNo,
		}).Debug("Acknowledgement outside window")
	}
	if f.IsIAX(frame.CmdAck) {
		if en, ok := e.queue.AckTimestamp(s.CallNo, f.Timestamp, f.ISeqNo-1); ok {
			acked = append(acked, en)
		}
	}
	for _, en := range acked {
		if en.Final {
			e.destroy(s)
			return true
		}
	}
	return false
}

func sequenceExempt(f *frame.Full) bool {
	if f.Type != frame.TypeIAX {
		return false
	}
	switch f.Command() {
	case frame.CmdAck, frame.CmdInval, frame.CmdTxCnt, frame.CmdTxAcc, frame.CmdVNAK:
		return true
	}
	return false
}

func (e *Engine) ackIfNeeded(s *session.Session, f *frame.Full) {
	if s.ASeqNo != s.ISeqNo {
		e.sendAck(s, f.Timestamp)
	}
}

// live reports whether s still owns its slot. The slot is locked.
func (e *Engine) live(s *session.Session) bool {
	return e.table.Get(s.CallNo) == s
}

func (e *Engine) onTransferPath(s *session.Session, addr *net.UDPAddr) bool {
	return s.Transfer.Addr != nil && session.SameAddr(addr, s.Transfer.Addr) && !session.SameAddr(addr, s.Addr)
}

// handleMedia handles a full voice, video, DTMF, text or control frame.
func (e *Engine) handleMedia(s *session.Session, f *frame.Full) {
	if s.Kind != session.KindCall || s.Phase != session.PhaseStarted {
		return
	}
	pf := pbx.Frame{Type: f.Type, Subclass: f.Subclass, Data: f.Payload, TS: f.Timestamp, Mark: f.Mark}
	switch f.Type {
	case frame.TypeVoice:
		s.VoiceFormat = frame.Format(f.Subclass)
		pf.Samples = s.VoiceFormat.Samples(len(f.Payload))
	case frame.TypeVideo:
		s.VideoFormat = frame.Format(f.Subclass)
		s.Rx.Observe(f.Timestamp)
	case frame.TypeNull:
		return
	}
	e.deliver(s, pf)
}

func (e *Engine) processMini(data []byte, in *inbound) error {
	callno := binary.BigEndian.Uint16(data[0:2])
	s := e.table.Find(session.Match{Addr: in.addr, Src: callno})
	if s == nil {
		return &StageError{Stage: StageLookup, Err: fmt.Errorf("%w: mini from %d", ErrUnknownCall, callno)}
	}
	defer e.table.UnlockSession(s)

	if s.Cipher != nil {
		plain, err := s.Cipher.Decrypt(data, 2)
		if err != nil {
			s.Stats.DecryptFails++
			return &StageError{Stage: StageDecrypt, Err: err}
		}
		data = plain
	}
	m, err := frame.DecodeMini(data)
	if err != nil {
		return decodeErr(err)
	}
	if s.VoiceFormat == 0 {
		return &StageError{Stage: StageLookup, Err: ErrNoVoiceFormat}
	}
	if s.Kind != session.KindCall || s.Phase != session.PhaseStarted {
		return nil
	}
	s.Stats.FramesIn++
	ts := s.Rx.Unwrap(m.Timestamp, false)
	e.deliver(s, pbx.Frame{
		Type:     frame.TypeVoice,
		Subclass: uint32(s.VoiceFormat),
		Data:     m.Payload,
		Samples:  s.VoiceFormat.Samples(len(m.Payload)),
		TS:       ts,
	})
	return nil
}

func (e *Engine) processVideo(data []byte, in *inbound) error {
	callno := binary.BigEndian.Uint16(data[2:4]) &^ 0x8000
	s := e.table.Find(session.Match{Addr: in.addr, Src: callno})
	if s == nil {
		return &StageError{Stage: StageLookup, Err: fmt.Errorf("%w: video from %d", ErrUnknownCall, callno)}
	}
	defer e.table.UnlockSession(s)

	if s.Cipher != nil {
		plain, err := s.Cipher.Decrypt(data, 4)
		if err != nil {
			s.Stats.DecryptFails++
			return &StageError{Stage: StageDecrypt, Err: err}
		}
		data = plain
	}
	v, err := frame.DecodeVideo(data)
	if err != nil {
		return decodeErr(err)
	}
	if s.VideoFormat == 0 {
		return &StageError{Stage: StageLookup, Err: ErrNoVoiceFormat}
	}
	if s.Kind != session.KindCall || s.Phase != session.PhaseStarted {
		return nil
	}
	s.Stats.FramesIn++
	ts := s.Rx.Unwrap(v.Timestamp, true)
	e.deliver(s, pbx.Frame{
		Type:     frame.TypeVideo,
		Subclass: uint32(s.VideoFormat),
		Data:     v.Payload,
		TS:       ts,
		Mark:     v.Mark,
	})
	return nil
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func logFrame(dir string, s *session.Session, f *frame.Full, addr *net.UDPAddr) {
	logrus.WithFields(logrus.Fields{
		"function": "Engine.debug",
		"dir":      dir,
		"callno":   s.CallNo,
		"peer":     addrString(addr),
		"frame":    f.String(),
		"phase":    s.Phase.String(),
	}).Debug("Frame")
}
