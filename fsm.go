package iaxcore

import (
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/iaxcore/auth"
	"github.com/opd-ai/iaxcore/config"
	"github.com/opd-ai/iaxcore/crypto"
	"github.com/opd-ai/iaxcore/events"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/pbx"
	"github.com/opd-ai/iaxcore/session"
)

// handleIAX dispatches an IAX control frame after sequencing.
func (e *Engine) handleIAX(s *session.Session, f *frame.Full, in *inbound) {
	switch f.Command() {
	case frame.CmdAck:
	case frame.CmdNew:
		e.handleNew(s, f, in)
	case frame.CmdAuthReq:
		e.handleAuthReq(s, f)
	case frame.CmdAuthRep:
		e.handleAuthRep(s, f, in)
	case frame.CmdAccept:
		e.handleAccept(s, f)
	case frame.CmdDial:
		e.handleDial(s, f, in)
	case frame.CmdHangup:
		e.handleHangup(s, f, frame.CauseNormalClearing)
	case frame.CmdReject:
		e.handleHangup(s, f, frame.CauseCallRejected)
	case frame.CmdInval:
		s.AlreadyGone = true
		s.Cause = frame.CauseDestOutOfOrder
		e.destroy(s)
	case frame.CmdPing:
		e.sendPong(s, f)
	case frame.CmdPong:
		e.handlePong(s, f)
	case frame.CmdPoke:
		e.handlePoke(s, f)
	case frame.CmdLagRq:
		e.sendCommand(s, frame.CmdLagRp, nil, sendOpts{ts: f.Timestamp, fixedTS: true})
	case frame.CmdLagRp:
		s.Lag = e.elapsedSince(s, f.Timestamp)
	case frame.CmdVNAK:
		e.handleVNAK(s, f)
	case frame.CmdQuelch:
		if s.Phase == session.PhaseStarted {
			s.Quelched = true
			e.deliverControl(s, frame.ControlHold)
		}
	case frame.CmdUnquelch:
		if s.Phase == session.PhaseStarted {
			s.Quelched = false
			e.deliverControl(s, frame.ControlUnhold)
		}
	case frame.CmdDPReq:
		e.handleDPReq(s, f)
	case frame.CmdRegReq:
		e.handleRegReq(s, f, in, false)
	case frame.CmdRegRel:
		e.handleRegReq(s, f, in, true)
	case frame.CmdRegAuth:
		e.handleRegAuth(s, f)
	case frame.CmdRegAck:
		e.handleRegAck(s, f)
	case frame.CmdRegRej:
		e.handleRegRej(s, f)
	case frame.CmdTxReq:
		e.handleTxReq(s, f)
	case frame.CmdTxReady:
		e.handleTxReady(s, in)
	case frame.CmdTxRel:
		e.handleTxRel(s, f)
	case frame.CmdTxRej:
		e.handleTxRej(s, in)
	case frame.CmdTxMedia:
		e.handleTxMedia(s)
	case frame.CmdTxCnt, frame.CmdTxAcc, frame.CmdDPRep, frame.CmdUnsupport:
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleIAX",
			"callno":   s.CallNo,
			"frame":    f.String(),
		}).Debug("Ignoring command")
	default:
		var ies frame.IEs
		ies.AddUint8(frame.IEIAXUnknown, uint8(f.Subclass))
		e.sendCommand(s, frame.CmdUnsupport, ies, sendOpts{})
	}
}

// identity is whoever an inbound call claims to be.
type identity struct {
	name       string
	secret     string
	methods    uint16
	inKeys     []string
	context    string
	caps       frame.Format
	encryption bool
	trunk      bool
	transfer   string
	maxAuth    int
}

// identify looks the caller up among users, then peers. A NEW without a
// username is matched against the "guest" user.
func identify(snap *config.Snapshot, username string) (identity, bool) {
	if username == "" {
		username = "guest"
	}
	if u, ok := snap.User(username); ok {
		return identity{
			name: u.Name, secret: u.Secret, methods: u.Methods, inKeys: u.InKeys,
			context: u.Context, caps: u.Capability, encryption: u.Encryption,
			trunk: u.Trunk, transfer: u.Transfer, maxAuth: u.MaxAuthRequests,
		}, true
	}
	if p, ok := snap.Peer(username); ok {
		return identity{
			name: p.Name, secret: p.Secret, methods: p.Methods, inKeys: p.InKeys,
			context: p.Context, caps: p.Capability, encryption: p.Encryption,
			trunk: p.Trunk, transfer: p.Transfer,
		}, true
	}
	return identity{}, false
}

// negotiate picks the call format under a codec_priority policy.
func negotiate(policy string, ours, theirs, requested frame.Format, ourPrefs, theirPrefs []frame.Format) frame.Format {
	joint := ours & theirs
	switch policy {
	case config.PriorityReqOnly:
		if requested != 0 && joint&requested == requested {
			return requested
		}
		return 0
	case config.PriorityDisabled:
		return frame.Choose(joint, requested, nil)
	case config.PriorityCaller:
		return frame.Choose(joint, requested, theirPrefs)
	}
	return frame.Choose(joint, 0, ourPrefs)
}

func (e *Engine) handleNew(s *session.Session, f *frame.Full, in *inbound) {
	if s.Kind != session.KindCall || s.Outgoing || s.Phase != session.PhaseNew {
		return
	}
	g := s.Config.Config.General
	ies := f.IEs
	if v, ok := ies.Uint16(frame.IEVersion); ok && v != frame.ProtoVersion {
		e.reject(s, "Invalid protocol version", 0)
		return
	}

	s.Username = ies.Str(frame.IEUsername)
	s.Exten = ies.Str(frame.IECalledNumber)
	s.Context = ies.Str(frame.IECalledContext)
	s.CallerNum = ies.Str(frame.IECallingNumber)
	s.CallerName = ies.Str(frame.IECallingName)
	s.ANI = ies.Str(frame.IECallingANI)
	s.DNID = ies.Str(frame.IEDNID)
	s.RDNIS = ies.Str(frame.IERDNIS)
	s.Language = ies.Str(frame.IELanguage)
	if v, ok := ies.Uint32(frame.IEFormat); ok {
		s.PeerFormat = frame.Format(v)
	}
	s.PeerCapability = s.PeerFormat
	if v, ok := ies.Uint32(frame.IECapability); ok {
		s.PeerCapability = frame.Format(v)
	}
	theirPrefs := frame.DecodePrefs(ies.Str(frame.IECodecPrefs))

	id, ok := identify(s.Config, s.Username)
	if !ok {
		e.authFail(s, frame.CmdReject)
		return
	}
	s.Peer = id.name
	s.Secret = id.secret
	s.AuthMethods = id.methods
	s.InKeys = id.inKeys
	if id.context != "" {
		s.Context = id.context
	}
	s.Capability = id.caps
	s.TransferAllowed = id.transfer != config.TransferNo
	s.MediaOnlyTransfer = id.transfer == config.TransferMediaOnly

	if id.trunk {
		if err := e.table.Promote(s); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.handleNew",
				"callno":   s.CallNo,
				"error":    err.Error(),
			}).Warn("Cannot move call to the trunk range")
		} else {
			s.Trunk = true
		}
	}

	s.Format = negotiate(g.CodecPriority, s.Capability, s.PeerCapability, s.PeerFormat, s.Prefs, theirPrefs)
	if s.Format == 0 {
		e.reject(s, "Unable to negotiate codec", frame.CauseBearerNotAvailable)
		return
	}

	if id.encryption || g.Encryption {
		offered, _ := ies.Uint16(frame.IEEncryption)
		s.EncMethods = offered & frame.EncryptAES128
	}
	if s.EncMethods != 0 {
		s.AuthMethods &= frame.AuthMD5
		if s.AuthMethods == 0 || s.Secret == "" {
			s.EncMethods = 0
		}
	}
	if g.ForceEncryption && s.EncMethods == 0 {
		e.reject(s, "Encryption required", frame.CauseFacilityRejected)
		return
	}

	if s.Secret == "" && len(s.InKeys) == 0 {
		s.Authenticated = true
		e.route(s, in)
		return
	}
	if s.AuthMethods&frame.AuthPlaintext != 0 && ies.Has(frame.IEPassword) {
		if _, ok := crypto.CheckPlaintext(s.Secret, ies.Str(frame.IEPassword)); !ok {
			e.authFail(s, frame.CmdReject)
			return
		}
		s.Authenticated = true
		e.route(s, in)
		return
	}
	if err := e.throttle.Acquire(id.name, id.maxAuth); err != nil {
		e.authFail(s, frame.CmdReject)
		return
	}
	s.AuthCredential = id.name
	if err := e.challenge(s, frame.CmdAuthReq, frame.CmdReject); err != nil {
		e.reject(s, "Internal error", frame.CauseCongestion)
	}
}

// challenge sends AUTHREQ or REGAUTH and arms the authentication timeout.
func (e *Engine) challenge(s *session.Session, cmd, rejectCmd frame.Command) error {
	if s.Challenge == "" {
		c, err := crypto.NewChallenge()
		if err != nil {
			return err
		}
		s.Challenge = c
	}
	var ies frame.IEs
	ies.AddUint16(frame.IEAuthMethods, s.AuthMethods)
	ies.AddString(frame.IEUsername, s.Username)
	ies.AddString(frame.IEChallenge, s.Challenge)
	if s.EncMethods != 0 {
		ies.AddUint16(frame.IEEncryption, s.EncMethods)
	}
	s.Phase = session.PhaseAuthSent
	e.sendCommand(s, cmd, ies, sendOpts{})

	e.cancel(&s.Timers.Auto)
	s.Timers.Auto = e.after(s, s.Config.Config.General.AuthTimeout, func(s *session.Session) {
		s.Timers.Auto = 0
		e.metrics.AuthFailures.Inc()
		e.releaseAuth(s)
		e.rejectWith(s, rejectCmd, "Authentication timed out", frame.CauseNoAnswer)
	})
	return nil
}

// handleAuthRep verifies the caller's answer to our AUTHREQ.
func (e *Engine) handleAuthRep(s *session.Session, f *frame.Full, in *inbound) {
	if s.Kind != session.KindCall || s.Outgoing || s.Phase != session.PhaseAuthSent {
		return
	}
	res, err := auth.Verify(f.IEs, s.Challenge, auth.Expect{
		Methods: s.AuthMethods,
		Secrets: s.Secret,
		InKeys:  s.InKeys,
	}, e.keys)
	if err != nil {
		e.authFail(s, frame.CmdReject)
		return
	}
	s.Authenticated = true
	if s.EncMethods != 0 {
		if res.Method != frame.AuthMD5 {
			s.EncMethods = 0
		} else if c, err := crypto.NewCipher(s.Challenge, res.Secret); err == nil {
			s.Cipher = c
		} else {
			s.EncMethods = 0
		}
	}
	if s.Config.Config.General.ForceEncryption && s.Cipher == nil {
		e.reject(s, "Encryption required", frame.CauseFacilityRejected)
		return
	}
	e.route(s, in)
}

// route accepts an authenticated inbound call if the dialplan knows, or
// may come to know, its extension.
func (e *Engine) route(s *session.Session, in *inbound) {
	e.releaseAuth(s)
	e.cancel(&s.Timers.Auto)
	if s.Exten == "" {
		s.Exten = "s"
	}
	if s.Context == "" {
		s.Context = "default"
	}
	if dp := e.dialplan; dp != nil && !dp.Exists(s.Context, s.Exten, s.CallerNum) {
		if !dp.CanMatch(s.Context, s.Exten, s.CallerNum) && !dp.MatchMore(s.Context, s.Exten, s.CallerNum) {
			e.reject(s, "No such context/extension", frame.CauseNoRouteDestination)
			return
		}
		s.TBD = true
	}

	var ies frame.IEs
	ies.AddUint32(frame.IEFormat, uint32(s.Format))
	e.sendCommand(s, frame.CmdAccept, ies, sendOpts{})
	e.start(s)

	logrus.WithFields(logrus.Fields{
		"function": "Engine.route",
		"callno":   s.CallNo,
		"user":     s.Peer,
		"context":  s.Context,
		"exten":    s.Exten,
		"format":   s.Format.String(),
		"tbd":      s.TBD,
	}).Info("Accepted call")
	if !s.TBD {
		e.attachChannel(s, in)
	}
}

// start moves a call to Started and arms its keepalives.
func (e *Engine) start(s *session.Session) {
	s.Phase = session.PhaseStarted
	g := s.Config.Config.General
	if g.PingInterval > 0 {
		s.Timers.Ping = e.after(s, g.PingInterval, e.pingTick)
	}
	if g.LagRqInterval > 0 {
		s.Timers.LagRq = e.after(s, g.LagRqInterval, e.lagTick)
	}
}

func (e *Engine) pingTick(s *session.Session) {
	s.Timers.Ping = 0
	if s.Phase != session.PhaseStarted {
		return
	}
	e.sendCommand(s, frame.CmdPing, nil, sendOpts{})
	s.Timers.Ping = e.after(s, s.Config.Config.General.PingInterval, e.pingTick)
}

func (e *Engine) lagTick(s *session.Session) {
	s.Timers.LagRq = 0
	if s.Phase != session.PhaseStarted {
		return
	}
	e.sendCommand(s, frame.CmdLagRq, nil, sendOpts{})
	s.Timers.LagRq = e.after(s, s.Config.Config.General.LagRqInterval, e.lagTick)
}

// attachChannel asks the channel factory for an owner. The factory runs
// after the call is unlocked so that it may call back into the engine.
func (e *Engine) attachChannel(s *session.Session, in *inbound) {
	info := pbx.CallInfo{
		CallNo:     s.CallNo,
		UniqueID:   s.UniqueID,
		User:       s.Username,
		Peer:       s.Peer,
		Addr:       s.Addr,
		Context:    s.Context,
		Exten:      s.Exten,
		CallerNum:  s.CallerNum,
		CallerName: s.CallerName,
		ANI:        s.ANI,
		DNID:       s.DNID,
		RDNIS:      s.RDNIS,
		Language:   s.Language,
		Format:     s.Format,
		Capability: s.Capability,
		Encrypted:  s.Cipher != nil,
	}
	callno, gen := s.CallNo, s.Gen
	e.emit(events.NewChannel, map[string]string{
		"callno":   strconv.Itoa(int(callno)),
		"uniqueid": s.UniqueID,
		"peer":     addrString(s.Addr),
		"user":     s.Peer,
		"context":  s.Context,
		"exten":    s.Exten,
		"callerid": s.CallerNum,
	})
	if e.channels == nil {
		return
	}
	in.after(func() {
		owner, err := e.channels.NewChannel(info)
		s := e.table.Acquire(callno, gen)
		if s == nil {
			if err == nil {
				owner.Hangup(frame.CauseNormalClearing)
			}
			return
		}
		defer e.table.UnlockSession(s)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.attachChannel",
				"callno":   callno,
				"error":    err.Error(),
			}).Warn("Channel factory refused call")
			e.hangupSession(s, "No channel available", frame.CauseCongestion)
			return
		}
		if s.Phase != session.PhaseStarted {
			owner.Hangup(causeOr(s.Cause, frame.CauseNormalClearing))
			return
		}
		s.Owner = owner
	})
}

func causeOr(c, def uint8) uint8 {
	if c != 0 {
		return c
	}
	return def
}

// handleAuthReq answers the callee's challenge on an outbound call.
func (e *Engine) handleAuthReq(s *session.Session, f *frame.Full) {
	if s.Kind != session.KindCall || !s.Outgoing || s.Phase != session.PhaseNew {
		return
	}
	offered, _ := f.IEs.Uint16(frame.IEAuthMethods)
	challenge := f.IEs.Str(frame.IEChallenge)
	enc, _ := f.IEs.Uint16(frame.IEEncryption)
	s.EncMethods &= enc

	var ies frame.IEs
	method, secret, err := auth.Answer(&ies, s.AuthMethods, offered, challenge, auth.Credentials{
		Secret: s.Secret,
		OutKey: s.OutKey,
	}, e.keys)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleAuthReq",
			"callno":   s.CallNo,
			"offered":  auth.MethodNames(offered),
			"error":    err.Error(),
		}).Warn("Cannot answer authentication request")
		e.hangupSession(s, "No authentication method", frame.CauseCallRejected)
		return
	}
	s.Challenge = challenge
	s.Phase = session.PhaseAuthReplied
	e.sendCommand(s, frame.CmdAuthRep, ies, sendOpts{clear: true})

	if s.EncMethods != 0 && method == frame.AuthMD5 {
		if c, err := crypto.NewCipher(challenge, secret); err == nil {
			s.Cipher = c
			return
		}
	}
	s.EncMethods = 0
}

// handleAccept completes an outbound call.
func (e *Engine) handleAccept(s *session.Session, f *frame.Full) {
	if s.Kind != session.KindCall || !s.Outgoing {
		return
	}
	if s.Phase != session.PhaseNew && s.Phase != session.PhaseAuthReplied {
		return
	}
	if v, ok := f.IEs.Uint32(frame.IEFormat); ok {
		s.Format = frame.Format(v)
	}
	if s.Format == 0 || s.Capability&s.Format == 0 {
		e.hangupSession(s, "Unable to negotiate codec", frame.CauseBearerNotAvailable)
		return
	}
	if s.Cipher == nil {
		s.EncMethods = 0
		if s.Config.Config.General.ForceEncryption {
			e.hangupSession(s, "Encryption required", frame.CauseFacilityRejected)
			return
		}
	}
	e.cancel(&s.Timers.Auto)
	e.start(s)
	e.deliverControl(s, frame.ControlProceeding)

	logrus.WithFields(logrus.Fields{
		"function":  "Engine.handleAccept",
		"callno":    s.CallNo,
		"peer":      addrString(s.Addr),
		"format":    s.Format.String(),
		"encrypted": s.Cipher != nil,
	}).Info("Outbound call accepted")
}

// handleDial completes the extension of a call accepted with TBD set.
func (e *Engine) handleDial(s *session.Session, f *frame.Full, in *inbound) {
	if s.Kind != session.KindCall || !s.TBD || s.Phase != session.PhaseStarted {
		return
	}
	s.Exten = f.IEs.Str(frame.IECalledNumber)
	dp := e.dialplan
	switch {
	case dp == nil || dp.Exists(s.Context, s.Exten, s.CallerNum):
		s.TBD = false
		e.attachChannel(s, in)
	case !dp.CanMatch(s.Context, s.Exten, s.CallerNum) && !dp.MatchMore(s.Context, s.Exten, s.CallerNum):
		e.hangupSession(s, "No such extension", frame.CauseNoRouteDestination)
	}
}

// handleHangup ends a call the peer hung up or rejected.
func (e *Engine) handleHangup(s *session.Session, f *frame.Full, def uint8) {
	cause := causeOf(f.IEs, def)
	logrus.WithFields(logrus.Fields{
		"function": "Engine.handleHangup",
		"callno":   s.CallNo,
		"frame":    f.String(),
		"cause":    cause,
		"reason":   f.IEs.Str(frame.IECause),
	}).Info("Peer ended call")

	if s.Kind == session.KindRegistration && f.IsIAX(frame.CmdReject) {
		e.registrationRejected(s)
	}
	e.sendAck(s, f.Timestamp)
	s.AlreadyGone = true
	s.Cause = cause
	e.destroy(s)
}

// sendPong answers PING with the PING's own timestamp and our receive
// statistics.
func (e *Engine) sendPong(s *session.Session, f *frame.Full) {
	e.sendCommand(s, frame.CmdPong, e.receiverReport(s), sendOpts{ts: f.Timestamp, fixedTS: true})
}

func (e *Engine) receiverReport(s *session.Session) frame.IEs {
	var ies frame.IEs
	if s.JB == nil {
		return ies
	}
	info := s.JB.Info()
	ies.AddUint32(frame.IERRJitter, uint32(info.Jitter))
	ies.AddUint32(frame.IERRLoss, uint32(info.FramesLost))
	ies.AddUint32(frame.IERRPkts, uint32(info.FramesIn))
	ies.AddUint16(frame.IERRDelay, uint16(info.MinDelay))
	ies.AddUint32(frame.IERRDropped, uint32(info.FramesDropped))
	ies.AddUint32(frame.IERROoo, uint32(info.FramesLate))
	return ies
}

func (e *Engine) handlePong(s *session.Session, f *frame.Full) {
	rtt := e.elapsedSince(s, f.Timestamp)
	if s.Kind == session.KindPoke {
		e.pokeReply(s, f, rtt)
		return
	}
	s.PingTime = rtt
}

// elapsedSince converts an echoed timestamp of ours to a round trip time.
func (e *Engine) elapsedSince(s *session.Session, ts uint32) time.Duration {
	origin := s.Tx.Offset()
	if origin.IsZero() {
		return 0
	}
	rtt := e.clock.Now().Sub(origin) - time.Duration(ts)*time.Millisecond
	if rtt < time.Millisecond {
		rtt = time.Millisecond
	}
	return rtt
}

// handlePoke answers a qualify probe. A probe on its own session gets a
// final PONG; one on a call is answered in place.
func (e *Engine) handlePoke(s *session.Session, f *frame.Full) {
	if s.Kind != session.KindPoke {
		e.sendCommand(s, frame.CmdPong, nil, sendOpts{ts: f.Timestamp, fixedTS: true})
		return
	}
	e.sendCommand(s, frame.CmdPong, nil, sendOpts{ts: f.Timestamp, fixedTS: true, final: true})
	e.terminate(s, frame.CauseNormalClearing)
}

// handleVNAK retransmits everything from the peer's expected sequence
// number on.
func (e *Engine) handleVNAK(s *session.Session, f *frame.Full) {
	for _, en := range e.queue.Replay(s.CallNo, f.ISeqNo) {
		e.retransmit(s, en)
	}
}

// handleDPReq answers a dialplan query for the call's context.
func (e *Engine) handleDPReq(s *session.Session, f *frame.Full) {
	number := f.IEs.Str(frame.IECalledNumber)
	status := frame.DPStatusExists
	if dp := e.dialplan; dp != nil {
		switch {
		case dp.Exists(s.Context, number, s.CallerNum):
			status = frame.DPStatusExists
		case dp.CanMatch(s.Context, number, s.CallerNum):
			status = frame.DPStatusCanExist
		default:
			status = frame.DPStatusNonexist
		}
		if dp.MatchMore(s.Context, number, s.CallerNum) {
			status |= frame.DPStatusMatchMore
		}
	}
	var ies frame.IEs
	ies.AddString(frame.IECalledNumber, number)
	ies.AddUint16(frame.IEDPStatus, status)
	ies.AddUint16(frame.IERefresh, dialplanRefresh)
	e.sendCommand(s, frame.CmdDPRep, ies, sendOpts{})
}

// dialplanRefresh is how long, in seconds, a DPREP answer may be cached.
const dialplanRefresh = 60

func (e *Engine) deliverControl(s *session.Session, c frame.Control) {
	e.deliver(s, pbx.Frame{Type: frame.TypeControl, Subclass: uint32(c)})
}
