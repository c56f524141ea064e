// Package session holds per-call protocol state and the table that maps
// 15-bit call numbers to sessions.
package session

import (
	"net"
	"time"

	"github.com/opd-ai/iaxcore/config"
	"github.com/opd-ai/iaxcore/crypto"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/jitter"
	"github.com/opd-ai/iaxcore/pbx"
	"github.com/opd-ai/iaxcore/sched"
	"github.com/opd-ai/iaxcore/timestamp"
	"github.com/opd-ai/iaxcore/transfer"
)

// Phase is the coarse call state. Hold and "destination to be determined"
// are tracked as independent flags.
type Phase int

const (
	PhaseNew Phase = iota
	// PhaseAuthSent: we challenged the peer and wait for AUTHREP.
	PhaseAuthSent
	// PhaseAuthReplied: we answered the peer's AUTHREQ and wait for ACCEPT.
	PhaseAuthReplied
	PhaseStarted
	PhaseGone
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseAuthSent:
		return "auth-sent"
	case PhaseAuthReplied:
		return "auth-replied"
	case PhaseStarted:
		return "started"
	case PhaseGone:
		return "gone"
	}
	return "unknown"
}

// Kind says what a session is used for.
type Kind int

const (
	KindCall Kind = iota
	// KindRegistration is an outbound registration to a registrar.
	KindRegistration
	// KindRegistrar serves a peer's REGREQ/REGREL.
	KindRegistrar
	// KindPoke is a qualify probe.
	KindPoke
	// KindDialplan answers DPREQ outside a call.
	KindDialplan
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindRegistration:
		return "registration"
	case KindRegistrar:
		return "registrar"
	case KindPoke:
		return "poke"
	case KindDialplan:
		return "dialplan"
	}
	return "unknown"
}

// Timers are the scheduler entries owned by a session. All of them are
// cancelled when the session is torn down.
type Timers struct {
	Ping       sched.ID
	LagRq      sched.ID
	Auto       sched.ID
	AuthReject sched.ID
	JB         sched.ID
	Poke       sched.ID
}

// All returns every timer id.
func (t *Timers) All() []sched.ID {
	return []sched.ID{t.Ping, t.LagRq, t.Auto, t.AuthReject, t.JB, t.Poke}
}

// TransferInfo carries native transfer state.
type TransferInfo struct {
	State  transfer.State
	Addr   *net.UDPAddr
	CallNo uint16
	ID     uint32
	// Other is the local call number of the bridged leg on the bridging node.
	Other uint16
}

// Stats counts traffic for introspection.
type Stats struct {
	FramesIn     uint64
	FramesOut    uint64
	Retransmits  uint64
	OutOfOrder   uint64
	VNAKsSent    uint64
	DecryptFails uint64
}

// Session is the state of one call number. Every field is guarded by the
// table slot lock of CallNo.
type Session struct {
	CallNo     uint16
	PeerCallNo uint16
	Gen        uint64
	UniqueID   string
	Addr       *net.UDPAddr
	Created    time.Time
	Kind       Kind
	// Config is the configuration current when the session was created.
	Config *config.Snapshot

	Phase         Phase
	Outgoing      bool
	Authenticated bool
	Quelched      bool
	TBD           bool
	Trunk         bool
	// AlreadyGone marks a session whose peer is known to be gone; no
	// further frames are sent.
	AlreadyGone bool
	// DestroyPending asks for destruction once nothing is in flight.
	DestroyPending bool

	Format         frame.Format
	Capability     frame.Format
	PeerFormat     frame.Format
	PeerCapability frame.Format
	Prefs          []frame.Format
	VoiceFormat    frame.Format
	SentVoice      frame.Format
	VideoFormat    frame.Format
	SentVideo      frame.Format
	// VoiceTS and VideoTS stamp the last full media frame sent; meta
	// frames only carry their low bits.
	VoiceTS uint32
	VideoTS uint32

	// OSeqNo is the next outbound sequence number, RSeqNo the oldest
	// outbound number not yet acknowledged, ISeqNo the next expected
	// inbound number and ASeqNo the last inbound number we acknowledged.
	OSeqNo uint8
	RSeqNo uint8
	ISeqNo uint8
	ASeqNo uint8

	Tx timestamp.Tx
	Rx timestamp.Rx

	PingTime time.Duration
	Lag      time.Duration
	MaxTime  time.Duration

	AuthMethods uint16
	EncMethods  uint16
	Challenge   string
	Secret      string
	Username    string
	Peer        string
	OutKey      string
	InKeys      []string
	Cipher      *crypto.Cipher
	// AuthCredential is the key held in the auth throttle, released when
	// authentication finishes either way.
	AuthCredential string

	Context    string
	Exten      string
	CallerNum  string
	CallerName string
	ANI        string
	DNID       string
	RDNIS      string
	Language   string

	Owner pbx.Channel
	// Bridge is the call number of the natively bridged leg, zero if none.
	Bridge uint16

	JB       *jitter.Buffer
	JBPolicy jitter.Policy

	Transfer TransferInfo
	// TransferAllowed gates native transfer for this call.
	TransferAllowed bool
	// MediaOnlyTransfer restricts native transfer to the media variant.
	MediaOnlyTransfer bool

	// RegName is the registration (client) or peer (registrar) name this
	// session serves.
	RegName string
	Refresh int

	Timers Timers
	Stats  Stats
	Cause  uint8
}

// Encrypted reports whether frames are encrypted.
func (s *Session) Encrypted() bool { return s.Cipher != nil }

// ClearTimers resets every timer id and returns the old ones so that the
// caller can cancel them.
func (s *Session) ClearTimers() []sched.ID {
	ids := s.Timers.All()
	s.Timers = Timers{}
	return ids
}

// ResetSequencing clears sequence numbers and timestamp state, as done when
// a transfer moves the call to a new peer.
func (s *Session) ResetSequencing() {
	s.OSeqNo, s.RSeqNo, s.ISeqNo, s.ASeqNo = 0, 0, 0, 0
	s.SentVoice, s.SentVideo = 0, 0
	s.Tx.Reset()
	s.Rx.Reset()
	if s.JB != nil {
		s.JB.Reset()
	}
}

// PeerKey identifies a session by remote address and remote call number.
type PeerKey struct {
	Addr   string
	CallNo uint16
}

// KeyFor builds a PeerKey.
func KeyFor(addr *net.UDPAddr, callno uint16) PeerKey {
	if addr == nil {
		return PeerKey{CallNo: callno}
	}
	return PeerKey{Addr: addr.String(), CallNo: callno}
}

// SameAddr compares UDP addresses by IP and port.
func SameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
