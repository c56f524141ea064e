package iaxcore

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/iaxcore/clock"
	"github.com/opd-ai/iaxcore/config"
	"github.com/opd-ai/iaxcore/crypto"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/netsim"
	"github.com/opd-ai/iaxcore/pbx"
	"github.com/opd-ai/iaxcore/registry"
)

var epoch = time.Unix(1700000000, 0)

// recordingChannel is a pbx.Channel that remembers what it was given.
type recordingChannel struct {
	mu     sync.Mutex
	info   pbx.CallInfo
	frames []pbx.Frame
	causes []uint8
}

func (c *recordingChannel) Deliver(f pbx.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *recordingChannel) Hangup(cause uint8) {
	c.mu.Lock()
	c.causes = append(c.causes, cause)
	c.mu.Unlock()
}

func (c *recordingChannel) BridgedWantsJitter() bool { return false }

func (c *recordingChannel) count(t frame.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Type == t {
			n++
		}
	}
	return n
}

func (c *recordingChannel) hangups() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint8(nil), c.causes...)
}

// texts returns the payloads of every text frame delivered so far.
func (c *recordingChannel) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		if f.Type == frame.TypeText {
			out = append(out, string(f.Data))
		}
	}
	return out
}

func (c *recordingChannel) controls() []frame.Control {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []frame.Control
	for _, f := range c.frames {
		if f.Type == frame.TypeControl {
			out = append(out, frame.Control(f.Subclass))
		}
	}
	return out
}

// testNode is an inline engine attached to a simulated network.
type testNode struct {
	eng   *Engine
	ep    *netsim.Endpoint
	store *registry.MemoryStore

	mu    sync.Mutex
	chans []*recordingChannel
}

func newTestNode(t *testing.T, n *netsim.Network, fc *clock.Fake, addr, cfg string) *testNode {
	t.Helper()
	snap, err := config.LoadBytes([]byte(cfg))
	require.NoError(t, err)
	ep, err := n.Endpoint(addr)
	require.NoError(t, err)

	node := &testNode{ep: ep, store: registry.NewMemoryStore(fc)}
	eng, err := New(Options{
		Config:    config.NewStaticManager(snap),
		Transport: ep,
		Clock:     fc,
		Store:     node.store,
		Keys:      crypto.NewKeyRing(),
		Channels: pbx.ChannelFactoryFunc(func(info pbx.CallInfo) (pbx.Channel, error) {
			ch := &recordingChannel{info: info}
			node.mu.Lock()
			node.chans = append(node.chans, ch)
			node.mu.Unlock()
			return ch, nil
		}),
		Inline: true,
	})
	require.NoError(t, err)
	ep.SetHandler(eng.HandleDatagram)
	node.eng = eng
	t.Cleanup(func() { _ = eng.Close() })
	return node
}

func (n *testNode) channels() []*recordingChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*recordingChannel(nil), n.chans...)
}

func (n *testNode) calls() []ChannelInfo {
	var out []ChannelInfo
	for _, ci := range n.eng.Channels() {
		if ci.Kind == "call" {
			out = append(out, ci)
		}
	}
	return out
}

// run advances the clock by d in steps, firing timers on every node and
// delivering whatever they send.
func run(fc *clock.Fake, n *netsim.Network, d, step time.Duration, nodes ...*testNode) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		fc.Advance(step)
		for _, node := range nodes {
			node.eng.RunDue()
		}
		n.Flush(20)
	}
}

// rawPeer speaks IAX2 by hand to drive an engine through exact exchanges.
type rawPeer struct {
	t   *testing.T
	ep  *netsim.Endpoint
	mu  sync.Mutex
	got []*frame.Full
	at  []time.Time
}

func newRawPeer(t *testing.T, n *netsim.Network, fc *clock.Fake, addr string) *rawPeer {
	t.Helper()
	ep, err := n.Endpoint(addr)
	require.NoError(t, err)
	p := &rawPeer{t: t, ep: ep}
	ep.SetHandler(func(data []byte, _ *net.UDPAddr) {
		if frame.Classify(data) != frame.KindFull {
			return
		}
		f, err := frame.DecodeFull(data)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.got = append(p.got, f)
		p.at = append(p.at, fc.Now())
		p.mu.Unlock()
	})
	return p
}

func (p *rawPeer) send(to *net.UDPAddr, f *frame.Full) {
	p.t.Helper()
	data, err := f.Marshal()
	require.NoError(p.t, err)
	require.NoError(p.t, p.ep.Send(data, to))
}

// take removes and returns the first received IAX frame carrying cmd.
func (p *rawPeer) take(cmd frame.Command) *frame.Full {
	p.t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.got {
		if f.IsIAX(cmd) {
			p.got = append(p.got[:i], p.got[i+1:]...)
			p.at = append(p.at[:i], p.at[i+1:]...)
			return f
		}
	}
	require.FailNow(p.t, "frame not received", "want %s", cmd)
	return nil
}

// times returns when each frame carrying cmd arrived.
func (p *rawPeer) times(cmd frame.Command) []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []time.Time
	for i, f := range p.got {
		if f.IsIAX(cmd) {
			out = append(out, p.at[i])
		}
	}
	return out
}

func (p *rawPeer) count(cmd frame.Command) int { return len(p.times(cmd)) }

func (p *rawPeer) reset() {
	p.mu.Lock()
	p.got, p.at = nil, nil
	p.mu.Unlock()
}

const engineAddr = "10.0.0.1:4569"

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return a
}

const callConfig = `
general:
  bind: "10.0.0.1:4569"
  delay_reject: false
users:
  - { name: alice, secret: pw, auth: [md5] }
  - { name: open }
`

func newInbound(username string) *frame.Full {
	var ies frame.IEs
	ies.AddUint16(frame.IEVersion, frame.ProtoVersion)
	if username != "" {
		ies.AddString(frame.IEUsername, username)
	}
	ies.AddString(frame.IECalledNumber, "100")
	ies.AddString(frame.IECallingNumber, "5551234")
	ies.AddUint32(frame.IEFormat, uint32(frame.FormatULaw))
	ies.AddUint32(frame.IECapability, uint32(frame.FormatULaw|frame.FormatALaw))
	return &frame.Full{SrcCallNo: 1, Timestamp: 3, Type: frame.TypeIAX, Subclass: uint32(frame.CmdNew), IEs: ies}
}

func TestInboundCallWithMD5(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, callConfig)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")
	node.eng.Start()
	to := udpAddr(t, engineAddr)

	peer.send(to, newInbound("alice"))
	n.Step()
	n.Step()

	req := peer.take(frame.CmdAuthReq)
	methods, ok := req.IEs.Uint16(frame.IEAuthMethods)
	require.True(t, ok)
	assert.Equal(t, frame.AuthMD5, methods)
	challenge := req.IEs.Str(frame.IEChallenge)
	require.NotEmpty(t, challenge)
	assert.Equal(t, uint16(1), req.DstCallNo)
	assert.Equal(t, uint8(0), req.OSeqNo)
	assert.Equal(t, uint8(1), req.ISeqNo)

	var ies frame.IEs
	ies.AddString(frame.IEMD5Result, crypto.MD5Response(challenge, "pw"))
	peer.send(to, &frame.Full{
		SrcCallNo: 1, DstCallNo: req.SrcCallNo, Timestamp: 10, OSeqNo: 1, ISeqNo: 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdAuthRep), IEs: ies,
	})
	n.Step()
	n.Step()

	acc := peer.take(frame.CmdAccept)
	format, ok := acc.IEs.Uint32(frame.IEFormat)
	require.True(t, ok)
	assert.Equal(t, uint32(frame.FormatULaw), format)
	assert.Equal(t, uint8(1), acc.OSeqNo)
	assert.Equal(t, uint8(2), acc.ISeqNo)

	calls := node.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "started", calls[0].Phase)
	assert.Equal(t, "alice", calls[0].Peer)
	assert.Equal(t, "100", calls[0].Exten)
	assert.Equal(t, "default", calls[0].Context)

	chans := node.channels()
	require.Len(t, chans, 1)
	assert.Equal(t, "5551234", chans[0].info.CallerNum)
	assert.Equal(t, frame.FormatULaw, chans[0].info.Format)
}

func TestInboundCallBadSecretRejected(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, callConfig)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")
	to := udpAddr(t, engineAddr)

	peer.send(to, newInbound("alice"))
	n.Step()
	n.Step()
	req := peer.take(frame.CmdAuthReq)

	var ies frame.IEs
	ies.AddString(frame.IEMD5Result, crypto.MD5Response(req.IEs.Str(frame.IEChallenge), "wrong"))
	peer.send(to, &frame.Full{
		SrcCallNo: 1, DstCallNo: req.SrcCallNo, Timestamp: 10, OSeqNo: 1, ISeqNo: 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdAuthRep), IEs: ies,
	})
	n.Step()
	n.Step()

	rej := peer.take(frame.CmdReject)
	cause, _ := rej.IEs.Uint8(frame.IECauseCode)
	assert.Equal(t, frame.CauseFacilityRejected, cause)
	assert.Empty(t, node.channels())

	// The REJECT is final: acknowledging it frees the call number.
	peer.send(to, &frame.Full{
		SrcCallNo: 1, DstCallNo: rej.SrcCallNo, Timestamp: rej.Timestamp, OSeqNo: 2, ISeqNo: rej.OSeqNo + 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdAck),
	})
	n.Step()
	assert.Empty(t, node.eng.Channels())
}

func TestAuthRejectIsDelayed(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, `
general:
  bind: "10.0.0.1:4569"
  delay_reject: true
  auth_reject_delay: 1s
`)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")

	peer.send(udpAddr(t, engineAddr), newInbound("mallory"))
	n.Flush(5)
	assert.Zero(t, peer.count(frame.CmdReject))

	run(fc, n, time.Second, 100*time.Millisecond, node)
	assert.Equal(t, 1, peer.count(frame.CmdReject))
}

func TestUnansweredDialRetransmitsThenGivesUp(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, `
general:
  bind: "10.0.0.1:4569"
  call_setup_timeout: 120s
`)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")
	owner := &recordingChannel{}

	callno, err := node.eng.Dial(DialRequest{Addr: peer.ep.Addr(), Exten: "200"}, owner)
	require.NoError(t, err)
	assert.NotZero(t, callno)
	n.Step()

	run(fc, n, 33*time.Second, time.Second, node)
	require.Len(t, node.calls(), 1)
	assert.Empty(t, owner.hangups())

	run(fc, n, time.Second, time.Second, node)
	var offsets []time.Duration
	for _, at := range peer.times(frame.CmdNew) {
		offsets = append(offsets, at.Sub(epoch))
	}
	assert.Equal(t, []time.Duration{0, 2 * time.Second, 6 * time.Second, 14 * time.Second, 24 * time.Second}, offsets)
	assert.Equal(t, []uint8{frame.CauseDestOutOfOrder}, owner.hangups())
	assert.Empty(t, node.eng.Channels())
	assert.Equal(t, uint64(4), node.eng.Stats().Retransmits)
}

func TestDialSetupTimeoutCongests(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, `
general:
  bind: "10.0.0.1:4569"
  call_setup_timeout: 5s
`)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")
	owner := &recordingChannel{}

	_, err := node.eng.Dial(DialRequest{Addr: peer.ep.Addr(), Exten: "200"}, owner)
	require.NoError(t, err)
	run(fc, n, 5*time.Second, time.Second, node)

	assert.Equal(t, 1, owner.count(frame.TypeControl))
	assert.Equal(t, []uint8{frame.CauseNoAnswer}, owner.hangups())
	assert.Equal(t, 1, peer.count(frame.CmdHangup))
}

func TestDialErrors(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, `
general:
  bind: "10.0.0.1:4569"
peers:
  - { name: roaming, host: dynamic }
`)
	_, err := node.eng.Dial(DialRequest{Peer: "nobody"}, nil)
	assert.ErrorIs(t, err, ErrUnknownPeer)
	_, err = node.eng.Dial(DialRequest{Peer: "roaming"}, nil)
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	assert.Empty(t, node.eng.Channels())

	require.NoError(t, node.eng.Close())
	_, err = node.eng.Dial(DialRequest{Addr: udpAddr(t, "10.0.0.9:4569")}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

// startOpenCall brings up an unauthenticated inbound call from peer.
func startOpenCall(t *testing.T, n *netsim.Network, peer *rawPeer) *frame.Full {
	t.Helper()
	peer.send(udpAddr(t, engineAddr), newInbound("open"))
	n.Step()
	n.Step()
	return peer.take(frame.CmdAccept)
}

func TestPingIsAnsweredWithItsTimestamp(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, callConfig)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")
	acc := startOpenCall(t, n, peer)

	peer.send(udpAddr(t, engineAddr), &frame.Full{
		SrcCallNo: 1, DstCallNo: acc.SrcCallNo, Timestamp: 1234, OSeqNo: 1, ISeqNo: 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdPing),
	})
	n.Step()
	n.Step()

	pong := peer.take(frame.CmdPong)
	assert.Equal(t, uint32(1234), pong.Timestamp)
	assert.Equal(t, uint8(2), pong.ISeqNo)
	require.Len(t, node.calls(), 1)
}

func TestOutOfOrderFrameGetsVNAK(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	newTestNode(t, n, fc, engineAddr, callConfig)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")
	acc := startOpenCall(t, n, peer)

	peer.send(udpAddr(t, engineAddr), &frame.Full{
		SrcCallNo: 1, DstCallNo: acc.SrcCallNo, Timestamp: 50, OSeqNo: 3, ISeqNo: 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdPing),
	})
	n.Step()
	n.Step()

	vnak := peer.take(frame.CmdVNAK)
	assert.Equal(t, uint8(1), vnak.ISeqNo, "asks for the first missing frame")
	assert.Zero(t, peer.count(frame.CmdPong))
}

func TestUnknownCallGetsInval(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, callConfig)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")

	peer.send(udpAddr(t, engineAddr), &frame.Full{
		SrcCallNo: 9, DstCallNo: 77, Timestamp: 5, Type: frame.TypeIAX, Subclass: uint32(frame.CmdPing),
	})
	n.Step()
	n.Step()

	inval := peer.take(frame.CmdInval)
	assert.Equal(t, uint16(9), inval.DstCallNo)
	assert.Equal(t, uint64(1), node.eng.Stats().Dropped)
}

func TestCallBetweenEnginesOverLossyNetwork(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{Loss: 0.2, Reorder: 0.3, Duplicate: 0.1, Seed: 7})
	caller := newTestNode(t, n, fc, "10.0.0.1:4569", `
general:
  bind: "10.0.0.1:4569"
peers:
  - { name: callee, host: "10.0.0.2:4569", username: alice, secret: pw }
`)
	callee := newTestNode(t, n, fc, "10.0.0.2:4569", `
general:
  bind: "10.0.0.2:4569"
users:
  - { name: alice, secret: pw, auth: [md5] }
`)
	owner := &recordingChannel{}
	callno, err := caller.eng.Dial(DialRequest{Peer: "callee", Exten: "100", CallerNum: "42"}, owner)
	require.NoError(t, err)

	run(fc, n, 20*time.Second, 100*time.Millisecond, caller, callee)

	out := caller.calls()
	require.Len(t, out, 1)
	assert.Equal(t, "started", out[0].Phase)
	in := callee.calls()
	require.Len(t, in, 1)
	assert.Equal(t, "started", in[0].Phase)
	assert.Equal(t, out[0].CallNo, in[0].PeerCallNo)
	assert.Equal(t, in[0].CallNo, out[0].PeerCallNo)
	require.Len(t, callee.channels(), 1)

	require.NoError(t, caller.eng.Hangup(callno, frame.CauseNormalClearing))
	run(fc, n, 40*time.Second, 100*time.Millisecond, caller, callee)

	assert.Empty(t, caller.eng.Channels())
	assert.Empty(t, callee.eng.Channels())
	assert.Equal(t, []uint8{frame.CauseNormalClearing}, callee.channels()[0].hangups())
	assert.Empty(t, owner.hangups(), "the owner that hung up is not called back")
}

func TestVoiceUsesMiniFramesAfterTheFirst(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	caller := newTestNode(t, n, fc, "10.0.0.1:4569", `
general:
  bind: "10.0.0.1:4569"
`)
	callee := newTestNode(t, n, fc, "10.0.0.2:4569", `
general:
  bind: "10.0.0.2:4569"
users:
  - { name: guest }
`)
	callno, err := caller.eng.Dial(DialRequest{Addr: callee.ep.Addr(), Exten: "100"}, &recordingChannel{})
	require.NoError(t, err)
	n.Flush(10)
	require.Len(t, callee.channels(), 1)

	var minis int
	n.SetFilter(func(p netsim.Packet) bool {
		if frame.Classify(p.Data) == frame.KindMini {
			minis++
		}
		return true
	})
	payload := make([]byte, 160)
	for i := 0; i < 10; i++ {
		require.NoError(t, caller.eng.SendFrame(callno, pbx.Frame{
			Type: frame.TypeVoice, Subclass: uint32(frame.FormatULaw), Data: payload,
		}))
		fc.Advance(20 * time.Millisecond)
		n.Flush(5)
	}

	ch := callee.channels()[0]
	assert.Equal(t, 10, ch.count(frame.TypeVoice))
	assert.Equal(t, 9, minis)

	err = caller.eng.SendFrame(callno, pbx.Frame{Type: frame.TypeVoice, Subclass: uint32(frame.FormatULaw), Data: make([]byte, 5000)})
	assert.Error(t, err)
	assert.ErrorIs(t, caller.eng.SendFrame(999, pbx.Frame{Type: frame.TypeText}), ErrNoSuchCall)
}

func TestDialplanProbe(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, callConfig)
	node.eng.dialplan = &pbx.StaticDialplan{Contexts: map[string][]string{"default": {"100", "_1XX"}}}
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")
	acc := startOpenCall(t, n, peer)

	probe := func(oseq uint8, number string) uint16 {
		t.Helper()
		var ies frame.IEs
		ies.AddString(frame.IECalledNumber, number)
		peer.send(udpAddr(t, engineAddr), &frame.Full{
			SrcCallNo: 1, DstCallNo: acc.SrcCallNo, Timestamp: uint32(10 * oseq), OSeqNo: oseq, ISeqNo: 1,
			Type: frame.TypeIAX, Subclass: uint32(frame.CmdDPReq), IEs: ies,
		})
		n.Step()
		n.Step()
		rep := peer.take(frame.CmdDPRep)
		assert.Equal(t, number, rep.IEs.Str(frame.IECalledNumber))
		status, ok := rep.IEs.Uint16(frame.IEDPStatus)
		require.True(t, ok)
		peer.reset()
		return status
	}

	assert.Equal(t, frame.DPStatusCanExist|frame.DPStatusMatchMore, probe(1, "1"))
	assert.Equal(t, frame.DPStatusExists, probe(2, "100"))
	assert.Equal(t, frame.DPStatusNonexist, probe(3, "555"))
}

func TestTrunkedVoiceBetweenEngines(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	caller := newTestNode(t, n, fc, "10.0.0.1:4569", `
general:
  bind: "10.0.0.1:4569"
peers:
  - { name: callee, host: "10.0.0.2:4569", trunk: true }
`)
	callee := newTestNode(t, n, fc, "10.0.0.2:4569", `
general:
  bind: "10.0.0.2:4569"
users:
  - { name: guest }
`)
	caller.eng.Start()
	callno, err := caller.eng.Dial(DialRequest{Peer: "callee", Exten: "100"}, &recordingChannel{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, callno, uint16(16384), "trunk calls use the upper call number range")
	n.Flush(10)
	require.Len(t, callee.channels(), 1)

	var trunks int
	n.SetFilter(func(p netsim.Packet) bool {
		if frame.Classify(p.Data) == frame.KindTrunk {
			trunks++
		}
		return true
	})
	payload := make([]byte, 160)
	for i := 0; i < 10; i++ {
		require.NoError(t, caller.eng.SendFrame(callno, pbx.Frame{
			Type: frame.TypeVoice, Subclass: uint32(frame.FormatULaw), Data: payload,
		}))
		fc.Advance(20 * time.Millisecond)
		caller.eng.RunDue()
		n.Flush(5)
	}

	assert.Equal(t, 9, trunks, "one trunk datagram per flush after the first full frame")
	assert.Equal(t, 10, callee.channels()[0].count(frame.TypeVoice))
}

func TestCodecMismatchRejected(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, callConfig+"  - { name: gsmonly, allow: [gsm] }\n")
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")

	peer.send(udpAddr(t, engineAddr), newInbound("gsmonly"))
	n.Step()
	n.Step()

	rej := peer.take(frame.CmdReject)
	assert.Equal(t, "Unable to negotiate codec", rej.IEs.Str(frame.IECause))
	cause, _ := rej.IEs.Uint8(frame.IECauseCode)
	assert.Equal(t, frame.CauseBearerNotAvailable, cause)
	assert.Empty(t, node.channels())
}

func TestInboundCallWithPlaintextPassword(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, `
general:
  bind: "10.0.0.1:4569"
  delay_reject: false
users:
  - { name: alice, secret: secret123 }
`)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")

	f := newInbound("alice")
	f.IEs.AddString(frame.IEPassword, "secret123")
	peer.send(udpAddr(t, engineAddr), f)
	n.Step()
	n.Step()

	assert.Zero(t, peer.count(frame.CmdAuthReq), "a correct password needs no challenge")
	acc := peer.take(frame.CmdAccept)
	format, ok := acc.IEs.Uint32(frame.IEFormat)
	require.True(t, ok)
	assert.Equal(t, uint32(frame.FormatULaw), format)

	calls := node.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "started", calls[0].Phase)
	assert.Equal(t, "alice", calls[0].Peer)
	assert.Equal(t, frame.FormatULaw.String(), calls[0].Format)
	require.Len(t, node.channels(), 1)
}

func TestEncryptedCallBetweenEngines(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	caller := newTestNode(t, n, fc, "10.0.0.1:4569", `
general:
  bind: "10.0.0.1:4569"
peers:
  - { name: callee, host: "10.0.0.2:4569", username: alice, secret: pw, encryption: true }
`)
	callee := newTestNode(t, n, fc, "10.0.0.2:4569", `
general:
  bind: "10.0.0.2:4569"
users:
  - { name: alice, secret: pw, auth: [md5], encryption: true }
`)
	callno, err := caller.eng.Dial(DialRequest{Peer: "callee", Exten: "100"}, &recordingChannel{})
	require.NoError(t, err)
	n.Flush(20)

	out := caller.calls()
	require.Len(t, out, 1)
	assert.Equal(t, "started", out[0].Phase)
	assert.True(t, out[0].Encrypted)
	in := callee.calls()
	require.Len(t, in, 1)
	assert.True(t, in[0].Encrypted)
	require.Len(t, callee.channels(), 1)

	var leaked int
	n.SetFilter(func(p netsim.Packet) bool {
		if bytes.Contains(p.Data, []byte("hello")) {
			leaked++
		}
		return true
	})
	require.NoError(t, caller.eng.SendFrame(callno, pbx.Frame{Type: frame.TypeText, Data: []byte("hello")}))
	n.Flush(10)
	payload := make([]byte, 160)
	for i := 0; i < 3; i++ {
		require.NoError(t, caller.eng.SendFrame(callno, pbx.Frame{
			Type: frame.TypeVoice, Subclass: uint32(frame.FormatULaw), Data: payload,
		}))
		fc.Advance(20 * time.Millisecond)
		n.Flush(5)
	}

	ch := callee.channels()[0]
	assert.Equal(t, []string{"hello"}, ch.texts())
	assert.Equal(t, 3, ch.count(frame.TypeVoice))
	assert.Zero(t, leaked, "text never crosses the wire in the clear")
}

func TestQuelchHoldsVoice(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, callConfig)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")
	acc := startOpenCall(t, n, peer)
	to := udpAddr(t, engineAddr)
	callno := acc.SrcCallNo

	var voice int
	n.SetFilter(func(p netsim.Packet) bool {
		switch frame.Classify(p.Data) {
		case frame.KindMini:
			voice++
		case frame.KindFull:
			if f, err := frame.DecodeFull(p.Data); err == nil && f.Type == frame.TypeVoice {
				voice++
			}
		}
		return true
	})
	sendVoice := func() {
		t.Helper()
		require.NoError(t, node.eng.SendFrame(callno, pbx.Frame{
			Type: frame.TypeVoice, Subclass: uint32(frame.FormatULaw), Data: make([]byte, 160),
		}))
		fc.Advance(20 * time.Millisecond)
		n.Flush(5)
	}

	peer.send(to, &frame.Full{
		SrcCallNo: 1, DstCallNo: callno, Timestamp: 20, OSeqNo: 1, ISeqNo: 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdQuelch),
	})
	n.Flush(5)
	sendVoice()
	sendVoice()
	assert.Zero(t, voice, "no media while quelched")

	peer.send(to, &frame.Full{
		SrcCallNo: 1, DstCallNo: callno, Timestamp: 60, OSeqNo: 2, ISeqNo: 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdUnquelch),
	})
	n.Flush(5)
	sendVoice()
	assert.Equal(t, 1, voice)

	require.Len(t, node.channels(), 1)
	assert.Equal(t, []frame.Control{frame.ControlHold, frame.ControlUnhold}, node.channels()[0].controls())
}

func TestDialCompletesPendingExtension(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, callConfig)
	node.eng.dialplan = &pbx.StaticDialplan{Contexts: map[string][]string{"default": {"_1XXX"}}}
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")

	acc := startOpenCall(t, n, peer)
	calls := node.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "started", calls[0].Phase)
	assert.Empty(t, node.channels(), "a partial extension waits for DIAL")

	var ies frame.IEs
	ies.AddString(frame.IECalledNumber, "1005")
	peer.send(udpAddr(t, engineAddr), &frame.Full{
		SrcCallNo: 1, DstCallNo: acc.SrcCallNo, Timestamp: 40, OSeqNo: 1, ISeqNo: 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdDial), IEs: ies,
	})
	n.Step()
	n.Step()

	chans := node.channels()
	require.Len(t, chans, 1)
	assert.Equal(t, "1005", chans[0].info.Exten)
	assert.Equal(t, "1005", node.calls()[0].Exten)
}

func TestDialWithUnknownExtensionHangsUp(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, callConfig)
	node.eng.dialplan = &pbx.StaticDialplan{Contexts: map[string][]string{"default": {"_1XXX"}}}
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")
	acc := startOpenCall(t, n, peer)

	var ies frame.IEs
	ies.AddString(frame.IECalledNumber, "555")
	peer.send(udpAddr(t, engineAddr), &frame.Full{
		SrcCallNo: 1, DstCallNo: acc.SrcCallNo, Timestamp: 40, OSeqNo: 1, ISeqNo: 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdDial), IEs: ies,
	})
	n.Step()
	n.Step()

	hup := peer.take(frame.CmdHangup)
	cause, _ := hup.IEs.Uint8(frame.IECauseCode)
	assert.Equal(t, frame.CauseNoRouteDestination, cause)
	assert.Empty(t, node.channels())
}

func TestLagRequestEchoesTimestamp(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	newTestNode(t, n, fc, engineAddr, callConfig)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")
	acc := startOpenCall(t, n, peer)

	peer.send(udpAddr(t, engineAddr), &frame.Full{
		SrcCallNo: 1, DstCallNo: acc.SrcCallNo, Timestamp: 777, OSeqNo: 1, ISeqNo: 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdLagRq),
	})
	n.Step()
	n.Step()

	rp := peer.take(frame.CmdLagRp)
	assert.Equal(t, uint32(777), rp.Timestamp)
}

func TestStartedCallSendsKeepalives(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, `
general:
  bind: "10.0.0.1:4569"
  delay_reject: false
  max_retries: 10
  ping_interval: 3s
  lagrq_interval: 2s
users:
  - { name: open }
`)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")
	acc := startOpenCall(t, n, peer)
	peer.send(udpAddr(t, engineAddr), &frame.Full{
		SrcCallNo: 1, DstCallNo: acc.SrcCallNo, Timestamp: acc.Timestamp, OSeqNo: 1, ISeqNo: acc.OSeqNo + 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdAck),
	})
	n.Flush(5)
	peer.reset()

	run(fc, n, 3*time.Second, 100*time.Millisecond, node)

	lag := peer.times(frame.CmdLagRq)
	require.NotEmpty(t, lag)
	assert.WithinDuration(t, epoch.Add(2*time.Second), lag[0], 100*time.Millisecond)
	ping := peer.times(frame.CmdPing)
	require.NotEmpty(t, ping)
	assert.WithinDuration(t, epoch.Add(3*time.Second), ping[0], 100*time.Millisecond)
	assert.Len(t, node.calls(), 1)
}

func TestAuthRequestLimitRejectsAfterDelay(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, `
general:
  bind: "10.0.0.1:4569"
  delay_reject: true
  auth_reject_delay: 1s
users:
  - { name: alice, secret: pw, auth: [md5], max_auth_requests: 1 }
`)
	peer := newRawPeer(t, n, fc, "10.0.0.2:4569")
	to := udpAddr(t, engineAddr)

	peer.send(to, newInbound("alice"))
	n.Step()
	n.Step()
	req := peer.take(frame.CmdAuthReq)
	peer.send(to, &frame.Full{
		SrcCallNo: 1, DstCallNo: req.SrcCallNo, Timestamp: req.Timestamp, OSeqNo: 1, ISeqNo: req.OSeqNo + 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdAck),
	})
	assert.Equal(t, 1, node.eng.throttle.Outstanding("alice"))

	second := newInbound("alice")
	second.SrcCallNo = 2
	peer.send(to, second)
	n.Flush(5)
	assert.Zero(t, peer.count(frame.CmdAuthReq), "the limit allows one outstanding challenge")
	assert.Zero(t, peer.count(frame.CmdReject), "the rejection is held back")

	run(fc, n, time.Second, 100*time.Millisecond, node)
	rej := peer.take(frame.CmdReject)
	assert.Equal(t, uint16(2), rej.DstCallNo)
	assert.Equal(t, 1, node.eng.throttle.Outstanding("alice"), "the pending challenge keeps its reservation")
}

func TestReliableFramesExactlyOnceUnderLoss(t *testing.T) {
	for _, seed := range []int64{1, 2, 3, 4} {
		t.Run(fmt.Sprintf("seed%d", seed), func(t *testing.T) {
			fc := clock.NewFake(epoch)
			n := netsim.New(netsim.Config{Loss: 0.15, Reorder: 0.3, Duplicate: 0.1, Seed: seed})
			caller := newTestNode(t, n, fc, "10.0.0.1:4569", `
general:
  bind: "10.0.0.1:4569"
  max_retries: 10
`)
			callee := newTestNode(t, n, fc, "10.0.0.2:4569", `
general:
  bind: "10.0.0.2:4569"
  max_retries: 10
users:
  - { name: guest }
`)
			callno, err := caller.eng.Dial(DialRequest{Addr: callee.ep.Addr(), Exten: "100"}, &recordingChannel{})
			require.NoError(t, err)
			run(fc, n, 10*time.Second, 100*time.Millisecond, caller, callee)
			require.Len(t, callee.channels(), 1)

			var want []string
			for i := 0; i < 40; i++ {
				msg := fmt.Sprintf("msg-%02d", i)
				want = append(want, msg)
				require.NoError(t, caller.eng.SendFrame(callno, pbx.Frame{Type: frame.TypeText, Data: []byte(msg)}))
				run(fc, n, 20*time.Millisecond, 20*time.Millisecond, caller, callee)
			}
			run(fc, n, 30*time.Second, 100*time.Millisecond, caller, callee)

			assert.Equal(t, want, callee.channels()[0].texts(), "each frame once and in order")
		})
	}
}
