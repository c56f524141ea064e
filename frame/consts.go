// Package frame encodes and decodes IAX2 datagrams: full frames with their
// information elements, mini voice frames, video meta frames and trunk
// meta frames.
package frame

// Protocol constants for IAX version 2.
const (
	ProtoVersion = 2
	DefaultPort  = 4569

	// FullHeaderLen is the size of a full frame header.
	FullHeaderLen = 12
	// MiniHeaderLen is the size of a mini frame header.
	MiniHeaderLen = 4
	// VideoHeaderLen is the size of a video meta frame header.
	VideoHeaderLen = 6
	// TrunkHeaderLen is the size of a meta trunk header.
	TrunkHeaderLen = 8

	// MaxCallNo is the highest valid call number (15 bits).
	MaxCallNo = 0x7fff
	// TrunkCallStart is the first call number of the trunk partition.
	TrunkCallStart = 0x4000

	flagFull       = 0x8000
	flagRetransmit = 0x8000
	videoMark      = 0x8000
	metaTrunk      = 1
	metaTrunkMini  = 1
)

// Type is the frame type byte of a full frame.
type Type uint8

const (
	TypeDTMFEnd   Type = 1
	TypeVoice     Type = 2
	TypeVideo     Type = 3
	TypeControl   Type = 4
	TypeNull      Type = 5
	TypeIAX       Type = 6
	TypeText      Type = 7
	TypeImage     Type = 8
	TypeHTML      Type = 9
	TypeCNG       Type = 10
	TypeModem     Type = 11
	TypeDTMFBegin Type = 12
)

var typeNames = map[Type]string{
	TypeDTMFEnd:   "DTMF_E",
	TypeVoice:     "VOICE",
	TypeVideo:     "VIDEO",
	TypeControl:   "CONTROL",
	TypeNull:      "NULL",
	TypeIAX:       "IAX",
	TypeText:      "TEXT",
	TypeImage:     "IMAGE",
	TypeHTML:      "HTML",
	TypeCNG:       "CNG",
	TypeModem:     "MODEM",
	TypeDTMFBegin: "DTMF_B",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Command is the subclass of an IAX control frame.
type Command uint32

const (
	CmdNew       Command = 0x01
	CmdPing      Command = 0x02
	CmdPong      Command = 0x03
	CmdAck       Command = 0x04
	CmdHangup    Command = 0x05
	CmdReject    Command = 0x06
	CmdAccept    Command = 0x07
	CmdAuthReq   Command = 0x08
	CmdAuthRep   Command = 0x09
	CmdInval     Command = 0x0a
	CmdLagRq     Command = 0x0b
	CmdLagRp     Command = 0x0c
	CmdRegReq    Command = 0x0d
	CmdRegAuth   Command = 0x0e
	CmdRegAck    Command = 0x0f
	CmdRegRej    Command = 0x10
	CmdRegRel    Command = 0x11
	CmdVNAK      Command = 0x12
	CmdDPReq     Command = 0x13
	CmdDPRep     Command = 0x14
	CmdDial      Command = 0x15
	CmdTxReq     Command = 0x16
	CmdTxCnt     Command = 0x17
	CmdTxAcc     Command = 0x18
	CmdTxReady   Command = 0x19
	CmdTxRel     Command = 0x1a
	CmdTxRej     Command = 0x1b
	CmdQuelch    Command = 0x1c
	CmdUnquelch  Command = 0x1d
	CmdPoke      Command = 0x1e
	CmdPage      Command = 0x1f
	CmdMWI       Command = 0x20
	CmdUnsupport Command = 0x21
	CmdTransfer  Command = 0x22
	CmdProvision Command = 0x23
	CmdFwDownl   Command = 0x24
	CmdFwData    Command = 0x25
	CmdTxMedia   Command = 0x26
	CmdRTKey     Command = 0x27
	CmdCallToken Command = 0x28
)

var commandNames = [...]string{
	"(0?)", "NEW", "PING", "PONG", "ACK", "HANGUP", "REJECT", "ACCEPT", "AUTHREQ",
	"AUTHREP", "INVAL", "LAGRQ", "LAGRP", "REGREQ", "REGAUTH", "REGACK", "REGREJ",
	"REGREL", "VNAK", "DPREQ", "DPREP", "DIAL", "TXREQ", "TXCNT", "TXACC",
	"TXREADY", "TXREL", "TXREJ", "QUELCH", "UNQUELCH", "POKE", "PAGE", "MWI",
	"UNSUPPORTED", "TRANSFER", "PROVISION", "FWDOWNLD", "FWDATA", "TXMEDIA",
	"RTKEY", "CALLTOKEN",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "UNKNOWN"
}

// CreatesSession reports whether an unmatched full frame with this command may
// allocate a new call number.
func (c Command) CreatesSession() bool {
	switch c {
	case CmdNew, CmdRegReq, CmdRegRel, CmdPoke, CmdFwDownl:
		return true
	}
	return false
}

// Control is the subclass of a control frame (type TypeControl).
type Control uint32

const (
	ControlHangup        Control = 1
	ControlRing          Control = 2
	ControlRinging       Control = 3
	ControlAnswer        Control = 4
	ControlBusy          Control = 5
	ControlTakeoffhook   Control = 6
	ControlOffhook       Control = 7
	ControlCongestion    Control = 8
	ControlFlash         Control = 9
	ControlWink          Control = 10
	ControlOption        Control = 11
	ControlRadioKey      Control = 12
	ControlRadioUnkey    Control = 13
	ControlProgress      Control = 14
	ControlProceeding    Control = 15
	ControlHold          Control = 16
	ControlUnhold        Control = 17
	ControlVidUpdate     Control = 18
	ControlSrcUpdate     Control = 20
	ControlConnectedLine Control = 22
	ControlRedirecting   Control = 23
)

// IE identifies an information element.
type IE uint8

const (
	IECalledNumber    IE = 0x01
	IECallingNumber   IE = 0x02
	IECallingANI      IE = 0x03
	IECallingName     IE = 0x04
	IECalledContext   IE = 0x05
	IEUsername        IE = 0x06
	IEPassword        IE = 0x07
	IECapability      IE = 0x08
	IEFormat          IE = 0x09
	IELanguage        IE = 0x0a
	IEVersion         IE = 0x0b
	IEADSICPE         IE = 0x0c
	IEDNID            IE = 0x0d
	IEAuthMethods     IE = 0x0e
	IEChallenge       IE = 0x0f
	IEMD5Result       IE = 0x10
	IERSAResult       IE = 0x11
	IEApparentAddr    IE = 0x12
	IERefresh         IE = 0x13
	IEDPStatus        IE = 0x14
	IECallNo          IE = 0x15
	IECause           IE = 0x16
	IEIAXUnknown      IE = 0x17
	IEMsgCount        IE = 0x18
	IEAutoAnswer      IE = 0x19
	IEMusicOnHold     IE = 0x1a
	IETransferID      IE = 0x1b
	IERDNIS           IE = 0x1c
	IEProvisioning    IE = 0x1d
	IEAESProvisioning IE = 0x1e
	IEDateTime        IE = 0x1f
	IEDeviceType      IE = 0x20
	IEServiceIdent    IE = 0x21
	IEFirmwareVer     IE = 0x22
	IEFwBlockDesc     IE = 0x23
	IEFwBlockData     IE = 0x24
	IEProvVer         IE = 0x25
	IECallingPres     IE = 0x26
	IECallingTON      IE = 0x27
	IECallingTNS      IE = 0x28
	IESamplingRate    IE = 0x29
	IECauseCode       IE = 0x2a
	IEEncryption      IE = 0x2b
	IEEncKey          IE = 0x2c
	IECodecPrefs      IE = 0x2d
	IERRJitter        IE = 0x2e
	IERRLoss          IE = 0x2f
	IERRPkts          IE = 0x30
	IERRDelay         IE = 0x31
	IERRDropped       IE = 0x32
	IERROoo           IE = 0x33
	IEVariable        IE = 0x34
	IEOSPToken        IE = 0x35
	IECallToken       IE = 0x36
)

// Authentication methods carried in IEAuthMethods.
const (
	AuthPlaintext uint16 = 1 << 0
	AuthMD5       uint16 = 1 << 1
	AuthRSA       uint16 = 1 << 2
)

// Encryption methods carried in IEEncryption.
const (
	EncryptAES128 uint16 = 1 << 0
	EncryptKeyRot uint16 = 1 << 15
)

// Dial plan status flags carried in IEDPStatus.
const (
	DPStatusExists    uint16 = 1 << 0
	DPStatusCanExist  uint16 = 1 << 1
	DPStatusNonexist  uint16 = 1 << 2
	DPStatusIgnorePat uint16 = 1 << 14
	DPStatusMatchMore uint16 = 1 << 15
)

// Hangup cause codes used in IECauseCode.
const (
	CauseUnallocated          uint8 = 1
	CauseNoRouteDestination   uint8 = 3
	CauseNormalClearing       uint8 = 16
	CauseUserBusy             uint8 = 17
	CauseNoAnswer             uint8 = 19
	CauseCallRejected         uint8 = 21
	CauseDestOutOfOrder       uint8 = 27
	CauseFacilityRejected     uint8 = 29
	CauseCongestion           uint8 = 34
	CauseBearerNotAvailable   uint8 = 58
	CauseBearerNotImplemented uint8 = 65
	CauseNoSuchDriver         uint8 = 66
)
