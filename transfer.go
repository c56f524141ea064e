package iaxcore

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/iaxcore/events"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/session"
	"github.com/opd-ai/iaxcore/transfer"
)

// Bridge natively bridges two started calls: both endpoints are asked to
// connect to each other, after which this node drops out of the call, or,
// for media-only transfers, only carries signaling.
func (e *Engine) Bridge(a, b uint16) error {
	if a == b || a == 0 || b == 0 || a > frame.MaxCallNo || b > frame.MaxCallNo {
		return ErrNoSuchCall
	}
	sa, sb := e.table.LockPair(a, b)
	defer e.table.UnlockPair(a, b)
	for _, s := range []*session.Session{sa, sb} {
		if s == nil || s.Kind != session.KindCall || s.Phase != session.PhaseStarted {
			return ErrNoSuchCall
		}
		if !s.TransferAllowed || s.Cipher != nil {
			return ErrTransferNotAllowed
		}
		if s.Transfer.State.Active() {
			return ErrTransferActive
		}
	}
	mediaOnly := sa.MediaOnlyTransfer || sb.MediaOnlyTransfer
	id := uuid.New().ID()
	e.requestTransfer(sa, sb, id, mediaOnly)
	e.requestTransfer(sb, sa, id, mediaOnly)

	logrus.WithFields(logrus.Fields{
		"function":   "Engine.Bridge",
		"a":          a,
		"b":          b,
		"transferid": id,
		"media_only": mediaOnly,
	}).Info("Native transfer requested")
	return nil
}

// requestTransfer sends TXREQ on leg s pointing its endpoint at other's.
func (e *Engine) requestTransfer(s, other *session.Session, id uint32, mediaOnly bool) {
	var ies frame.IEs
	ies.AddAddr(frame.IEApparentAddr, other.Addr)
	ies.AddUint16(frame.IECallNo, other.PeerCallNo)
	ies.AddUint32(frame.IETransferID, id)
	s.Transfer.State = transfer.Start(mediaOnly)
	s.Transfer.ID = id
	s.Transfer.Other = other.CallNo
	s.Bridge = other.CallNo
	e.sendCommand(s, frame.CmdTxReq, ies, sendOpts{})
}

// handleTxReq starts the endpoint side of a transfer: connect to the
// address the bridge gave us.
func (e *Engine) handleTxReq(s *session.Session, f *frame.Full) {
	if s.Kind != session.KindCall || s.Phase != session.PhaseStarted {
		return
	}
	addr, okAddr := f.IEs.Addr(frame.IEApparentAddr)
	callno, okCall := f.IEs.Uint16(frame.IECallNo)
	id, okID := f.IEs.Uint32(frame.IETransferID)
	if !s.TransferAllowed || s.Transfer.State.Active() || !okAddr || !okCall || !okID || callno == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleTxReq",
			"callno":   s.CallNo,
			"allowed":  s.TransferAllowed,
			"state":    s.Transfer.State.String(),
		}).Info("Refusing transfer request")
		e.sendCommand(s, frame.CmdTxRej, nil, sendOpts{})
		return
	}
	e.table.SetTransferPeer(s, addr, callno)
	s.Transfer.ID = id
	s.Transfer.State = transfer.Begin

	var ies frame.IEs
	ies.AddUint32(frame.IETransferID, id)
	e.sendCommand(s, frame.CmdTxCnt, ies, sendOpts{transfer: true})
}

// handleTransferPath handles a full frame arriving from the transfer peer
// rather than the bridge.
func (e *Engine) handleTransferPath(s *session.Session, f *frame.Full) {
	if f.Type != frame.TypeIAX {
		if s.Transfer.State == transfer.MediaPass {
			e.handleMedia(s, f)
		}
		return
	}
	switch f.Command() {
	case frame.CmdTxCnt:
		id, _ := f.IEs.Uint32(frame.IETransferID)
		if !s.Transfer.State.Negotiating() || id != s.Transfer.ID {
			return
		}
		e.sendCommand(s, frame.CmdTxAcc, nil, sendOpts{transfer: true})
	case frame.CmdTxAcc:
		e.queue.AckTransfer(s.CallNo, frame.CmdTxCnt)
		if st, ok := transfer.EndpointOnAccept(s.Transfer.State); ok {
			s.Transfer.State = st
			e.sendCommand(s, frame.CmdTxReady, nil, sendOpts{})
		}
	}
}

// handleTxReady records that one leg's endpoint reached the other. Both
// legs are resolved once the datagram's own call is unlocked.
func (e *Engine) handleTxReady(s *session.Session, in *inbound) {
	st, ok := transfer.OnReady(s.Transfer.State)
	if !ok || s.Transfer.Other == 0 {
		return
	}
	s.Transfer.State = st
	a, b := s.CallNo, s.Transfer.Other
	in.after(func() { e.resolveTransfer(a, b) })
}

func (e *Engine) resolveTransfer(a, b uint16) {
	sa, sb := e.table.LockPair(a, b)
	defer e.table.UnlockPair(a, b)
	if sa == nil || sb == nil || sa.Transfer.Other != b || sb.Transfer.Other != a {
		return
	}
	na, nb, outcome := transfer.Resolve(sa.Transfer.State, sb.Transfer.State)
	switch outcome {
	case transfer.Release:
		sa.Transfer.State, sb.Transfer.State = na, nb
		e.releaseLeg(sa, sb)
		e.releaseLeg(sb, sa)
		e.emitTransfer(sa, "released")
		e.terminate(sa, frame.CauseNormalClearing)
		e.terminate(sb, frame.CauseNormalClearing)
	case transfer.MediaDirect:
		sa.Transfer.State, sb.Transfer.State = na, nb
		e.sendCommand(sa, frame.CmdTxMedia, nil, sendOpts{})
		e.sendCommand(sb, frame.CmdTxMedia, nil, sendOpts{})
		e.emitTransfer(sa, "media")
	}
}

// releaseLeg hands leg s over to its endpoint's new peer. Owners of
// released legs are detached silently: the call continues elsewhere.
func (e *Engine) releaseLeg(s, other *session.Session) {
	var ies frame.IEs
	ies.AddUint16(frame.IECallNo, other.PeerCallNo)
	e.sendCommand(s, frame.CmdTxRel, ies, sendOpts{final: true})
	s.Owner = nil
}

// handleTxRel completes the endpoint side: the transfer peer becomes the
// only peer and sequencing starts over.
func (e *Engine) handleTxRel(s *session.Session, f *frame.Full) {
	if !transfer.EndpointOnRelease(s.Transfer.State) {
		return
	}
	e.sendAck(s, f.Timestamp)
	e.queue.Cancel(s.CallNo)
	addr, callno := s.Transfer.Addr, s.Transfer.CallNo
	e.table.ClearTransferPeer(s)
	e.table.SetPeer(s, addr, callno)
	s.ResetSequencing()
	s.Transfer = session.TransferInfo{}
	e.emitTransfer(s, "completed")

	logrus.WithFields(logrus.Fields{
		"function": "Engine.handleTxRel",
		"callno":   s.CallNo,
		"peer":     addrString(addr),
		"peercall": callno,
	}).Info("Call transferred")
}

func (e *Engine) handleTxMedia(s *session.Session) {
	if st, ok := transfer.EndpointOnMedia(s.Transfer.State); ok {
		s.Transfer.State = st
		e.emitTransfer(s, "media")
	}
}

// handleTxRej aborts a transfer. On the bridge the other leg is told too.
func (e *Engine) handleTxRej(s *session.Session, in *inbound) {
	if !s.Transfer.State.Active() {
		return
	}
	other := s.Transfer.Other
	e.cancelTransfer(s)
	if other == 0 {
		return
	}
	id := s.CallNo
	in.after(func() {
		e.table.Lock(other)
		defer e.table.Unlock(other)
		o := e.table.Get(other)
		if o == nil || o.Transfer.Other != id || !o.Transfer.State.Active() {
			return
		}
		e.sendCommand(o, frame.CmdTxRej, nil, sendOpts{})
		e.cancelTransfer(o)
	})
}

// transferFailed gives up on an endpoint transfer whose peer never
// answered our TXCNT.
func (e *Engine) transferFailed(s *session.Session) {
	if s.Phase == session.PhaseGone {
		return
	}
	e.sendCommand(s, frame.CmdTxRej, nil, sendOpts{})
	e.cancelTransfer(s)
}

func (e *Engine) cancelTransfer(s *session.Session) {
	e.queue.CancelTransfer(s.CallNo)
	if s.Transfer.Addr != nil {
		e.table.ClearTransferPeer(s)
	}
	e.emitTransfer(s, "rejected")
	s.Transfer = session.TransferInfo{}
	s.Bridge = 0
}

func (e *Engine) emitTransfer(s *session.Session, status string) {
	e.emit(events.Transfer, map[string]string{
		"callno":     strconv.Itoa(int(s.CallNo)),
		"uniqueid":   s.UniqueID,
		"transferid": strconv.FormatUint(uint64(s.Transfer.ID), 10),
		"state":      s.Transfer.State.String(),
		"status":     status,
	})
}
