package iaxcore

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/iaxcore/config"
	"github.com/opd-ai/iaxcore/events"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/limits"
	"github.com/opd-ai/iaxcore/pbx"
	"github.com/opd-ai/iaxcore/session"
)

// DialRequest describes an outbound call.
type DialRequest struct {
	// Peer names a configured peer. Addr is used when Peer is empty.
	Peer string
	Addr *net.UDPAddr

	// Username and Secret override the peer's credentials.
	Username string
	Secret   string

	Exten      string
	Context    string
	CallerNum  string
	CallerName string
	Language   string

	// Format and Capability override the configured formats when set.
	Format     frame.Format
	Capability frame.Format
	Encryption bool
	AutoAnswer bool
}

// Dial starts an outbound call owned by owner and returns its local call
// number. The call is set up asynchronously; the owner hears about
// progress and failure through its Channel methods.
func (e *Engine) Dial(req DialRequest, owner pbx.Channel) (uint16, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	snap := e.snap()
	g := snap.Config.General

	addr := req.Addr
	var peer *config.PeerEntry
	if req.Peer != "" {
		p, ok := snap.Peer(req.Peer)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, req.Peer)
		}
		peer = p
		addr = e.peerAddr(p.Name)
	}
	if addr == nil {
		return 0, ErrPeerUnreachable
	}

	s, err := e.table.Allocate(addr, peer != nil && peer.Trunk)
	if err != nil {
		return 0, err
	}
	defer e.table.UnlockSession(s)
	e.initSession(s)
	s.Kind = session.KindCall
	s.Outgoing = true
	s.Owner = owner
	s.AuthMethods = frame.AuthMD5 | frame.AuthRSA
	encryption := req.Encryption || g.Encryption
	if peer != nil {
		s.Peer = peer.Name
		s.Username = peer.Username
		s.Secret = peer.Secret
		s.OutKey = peer.OutKey
		s.AuthMethods = peer.Methods
		s.Capability = peer.Capability
		s.Trunk = peer.Trunk
		s.TransferAllowed = peer.Transfer != config.TransferNo
		s.MediaOnlyTransfer = peer.Transfer == config.TransferMediaOnly
		encryption = encryption || peer.Encryption
	}
	if req.Username != "" {
		s.Username = req.Username
	}
	if req.Secret != "" {
		s.Secret = req.Secret
	}
	if req.Capability != 0 {
		s.Capability = req.Capability
	}
	s.Format = req.Format
	if s.Format == 0 || s.Capability&s.Format == 0 {
		s.Format = frame.Choose(s.Capability, 0, s.Prefs)
	}
	if s.Format == 0 {
		s.Owner = nil
		e.destroy(s)
		return 0, ErrNoCommonFormat
	}
	if encryption && s.Secret != "" {
		s.EncMethods = frame.EncryptAES128
	}
	s.Exten, s.Context = req.Exten, req.Context
	s.CallerNum, s.CallerName, s.Language = req.CallerNum, req.CallerName, req.Language

	var ies frame.IEs
	ies.AddUint16(frame.IEVersion, frame.ProtoVersion)
	if s.Exten != "" {
		ies.AddString(frame.IECalledNumber, s.Exten)
	}
	if s.CallerNum != "" {
		ies.AddString(frame.IECallingNumber, s.CallerNum)
		ies.AddString(frame.IECallingANI, s.CallerNum)
	}
	if s.CallerName != "" {
		ies.AddString(frame.IECallingName, s.CallerName)
	}
	if s.Context != "" {
		ies.AddString(frame.IECalledContext, s.Context)
	}
	if s.Username != "" {
		ies.AddString(frame.IEUsername, s.Username)
	}
	if s.Language != "" {
		ies.AddString(frame.IELanguage, s.Language)
	}
	ies.AddUint32(frame.IEFormat, uint32(s.Format))
	ies.AddUint32(frame.IECapability, uint32(s.Capability))
	if len(s.Prefs) > 0 {
		ies.AddString(frame.IECodecPrefs, frame.EncodePrefs(s.Prefs))
	}
	if s.EncMethods != 0 {
		ies.AddUint16(frame.IEEncryption, s.EncMethods)
	}
	if req.AutoAnswer {
		ies.AddEmpty(frame.IEAutoAnswer)
	}
	ies.AddUint32(frame.IEDateTime, frame.DateTime(e.clock.Now()))
	e.sendCommand(s, frame.CmdNew, ies, sendOpts{})

	timeout := g.CallSetupTimeout
	if peer != nil && peer.Qualify.Enabled && peer.Qualify.MaxMS > 0 {
		timeout = 2 * time.Duration(peer.Qualify.MaxMS) * time.Millisecond
	}
	if timeout > 0 {
		s.Timers.Auto = e.after(s, timeout, e.autoCongest)
	}

	e.emit(events.NewChannel, map[string]string{
		"callno":   strconv.Itoa(int(s.CallNo)),
		"uniqueid": s.UniqueID,
		"peer":     addr.String(),
		"exten":    s.Exten,
		"outgoing": "true",
	})
	logrus.WithFields(logrus.Fields{
		"function": "Engine.Dial",
		"callno":   s.CallNo,
		"peer":     addr.String(),
		"exten":    s.Exten,
		"format":   s.Format.String(),
	}).Info("Dialing")
	return s.CallNo, nil
}

// autoCongest gives up on a call the peer never accepted.
func (e *Engine) autoCongest(s *session.Session) {
	s.Timers.Auto = 0
	if s.Phase == session.PhaseStarted || s.Phase == session.PhaseGone {
		return
	}
	e.deliverControl(s, frame.ControlCongestion)
	e.hangupSession(s, "Call setup timed out", frame.CauseNoAnswer)
}

// lockCall locks callno and returns its call session, or an error.
func (e *Engine) lockCall(callno uint16) (*session.Session, error) {
	if callno == 0 || callno > frame.MaxCallNo {
		return nil, ErrNoSuchCall
	}
	e.table.Lock(callno)
	s := e.table.Get(callno)
	if s == nil || s.Kind != session.KindCall || s.Phase == session.PhaseGone {
		e.table.Unlock(callno)
		return nil, fmt.Errorf("%w: %d", ErrNoSuchCall, callno)
	}
	return s, nil
}

// Answer tells the peer that an inbound call was answered.
func (e *Engine) Answer(callno uint16) error {
	s, err := e.lockCall(callno)
	if err != nil {
		return err
	}
	defer e.table.UnlockSession(s)
	if s.Phase != session.PhaseStarted {
		return ErrNotStarted
	}
	e.sendFull(s, &frame.Full{Type: frame.TypeControl, Subclass: uint32(frame.ControlAnswer)}, sendOpts{})
	return nil
}

// Hangup ends a call from the owner's side. The owner is not called back.
func (e *Engine) Hangup(callno uint16, cause uint8) error {
	s, err := e.lockCall(callno)
	if err != nil {
		return err
	}
	defer e.table.UnlockSession(s)
	s.Owner = nil
	e.hangupSession(s, "", causeOr(cause, frame.CauseNormalClearing))
	return nil
}

// SendFrame sends a frame from the owner to the peer. Voice and video go
// out as meta frames where possible; everything else as full frames.
func (e *Engine) SendFrame(callno uint16, f pbx.Frame) error {
	s, err := e.lockCall(callno)
	if err != nil {
		return err
	}
	defer e.table.UnlockSession(s)
	if s.Phase != session.PhaseStarted {
		return ErrNotStarted
	}
	switch f.Type {
	case frame.TypeVoice:
		if err := limits.ValidateMiniPayload(f.Data, s.Cipher != nil); err != nil {
			return err
		}
		e.sendVoice(s, frame.Format(f.Subclass), f.Data)
	case frame.TypeVideo:
		if err := limits.ValidateMiniPayload(f.Data, s.Cipher != nil); err != nil {
			return err
		}
		e.sendVideo(s, frame.Format(f.Subclass), f.Data, f.Mark)
	default:
		if err := limits.ValidateFullPayload(f.Data, s.Cipher != nil); err != nil {
			return err
		}
		e.sendFull(s, &frame.Full{Type: f.Type, Subclass: f.Subclass, Payload: f.Data}, sendOpts{})
	}
	return nil
}

// Quelch asks the peer to stop sending media.
func (e *Engine) Quelch(callno uint16) error {
	return e.command(callno, frame.CmdQuelch)
}

// Unquelch asks the peer to resume media.
func (e *Engine) Unquelch(callno uint16) error {
	return e.command(callno, frame.CmdUnquelch)
}

func (e *Engine) command(callno uint16, cmd frame.Command) error {
	s, err := e.lockCall(callno)
	if err != nil {
		return err
	}
	defer e.table.UnlockSession(s)
	if s.Phase != session.PhaseStarted {
		return ErrNotStarted
	}
	e.sendCommand(s, cmd, nil, sendOpts{})
	return nil
}
