package iaxcore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/iaxcore/clock"
	"github.com/opd-ai/iaxcore/crypto"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/netsim"
	"github.com/opd-ai/iaxcore/registry"
)

const registrationConfig = `
general:
  bind: "10.0.0.1:4569"
registrations:
  - { username: me, secret: pw, host: "10.0.0.2:4569", refresh: 60 }
`

func regAck(dst uint16, iseq uint8, refresh uint16, apparent *net.UDPAddr) *frame.Full {
	var ies frame.IEs
	ies.AddString(frame.IEUsername, "me")
	ies.AddUint16(frame.IERefresh, refresh)
	ies.AddUint16(frame.IEMsgCount, 3)
	ies.AddAddr(frame.IEApparentAddr, apparent)
	return &frame.Full{
		SrcCallNo: 7, DstCallNo: dst, Timestamp: 20, OSeqNo: 0, ISeqNo: iseq,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdRegAck), IEs: ies,
	}
}

func TestRegistrationRefreshesAtFiveSixths(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, registrationConfig)
	registrar := newRawPeer(t, n, fc, "10.0.0.2:4569")
	node.eng.Start()
	n.Step()

	req := registrar.take(frame.CmdRegReq)
	assert.Equal(t, "me", req.IEs.Str(frame.IEUsername))
	refresh, _ := req.IEs.Uint16(frame.IERefresh)
	assert.Equal(t, uint16(60), refresh)
	st := node.eng.Registrations()
	require.Len(t, st, 1)
	assert.Equal(t, registry.RequestSent.String(), st[0].State)

	registrar.send(udpAddr(t, engineAddr), regAck(req.SrcCallNo, 1, 60, udpAddr(t, "192.0.2.10:4569")))
	n.Step()
	n.Step()

	ack := registrar.take(frame.CmdAck)
	assert.Equal(t, uint32(20), ack.Timestamp)
	st = node.eng.Registrations()
	require.Len(t, st, 1)
	assert.Equal(t, registry.Registered.String(), st[0].State)
	assert.Equal(t, "192.0.2.10:4569", st[0].Apparent)
	assert.Equal(t, 3, st[0].Messages)
	assert.Empty(t, node.eng.Channels(), "the exchange session is gone")

	run(fc, n, 49*time.Second, time.Second, node)
	assert.Zero(t, registrar.count(frame.CmdRegReq))

	run(fc, n, time.Second, time.Second, node)
	times := registrar.times(frame.CmdRegReq)
	require.Len(t, times, 1)
	assert.Equal(t, 50*time.Second, times[0].Sub(epoch))
}

func TestRegistrationAnswersChallenge(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, registrationConfig)
	registrar := newRawPeer(t, n, fc, "10.0.0.2:4569")
	node.eng.Start()
	n.Step()
	req := registrar.take(frame.CmdRegReq)

	var ies frame.IEs
	ies.AddUint16(frame.IEAuthMethods, frame.AuthMD5)
	ies.AddString(frame.IEChallenge, "424242")
	ies.AddString(frame.IEUsername, "me")
	registrar.send(udpAddr(t, engineAddr), &frame.Full{
		SrcCallNo: 7, DstCallNo: req.SrcCallNo, Timestamp: 5, OSeqNo: 0, ISeqNo: 1,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdRegAuth), IEs: ies,
	})
	n.Step()
	n.Step()

	answer := registrar.take(frame.CmdRegReq)
	assert.Equal(t, crypto.MD5Response("424242", "pw"), answer.IEs.Str(frame.IEMD5Result))
	assert.Equal(t, uint8(1), answer.OSeqNo)
	assert.Equal(t, registry.AuthSent.String(), node.eng.Registrations()[0].State)

	var rej frame.IEs
	rej.AddString(frame.IECause, "Registration Refused")
	registrar.send(udpAddr(t, engineAddr), &frame.Full{
		SrcCallNo: 7, DstCallNo: req.SrcCallNo, Timestamp: 30, OSeqNo: 1, ISeqNo: 2,
		Type: frame.TypeIAX, Subclass: uint32(frame.CmdRegRej), IEs: rej,
	})
	n.Step()
	n.Step()

	assert.Equal(t, registry.Rejected.String(), node.eng.Registrations()[0].State)
	assert.Equal(t, 1, registrar.count(frame.CmdAck))

	registrar.reset()
	run(fc, n, 50*time.Second, time.Second, node)
	assert.Equal(t, 1, registrar.count(frame.CmdRegReq), "a rejected registration is retried at the next refresh")
}

func TestRegistrationTimesOut(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	node := newTestNode(t, n, fc, engineAddr, registrationConfig)
	registrar := newRawPeer(t, n, fc, "10.0.0.2:4569")
	node.eng.Start()

	run(fc, n, 34*time.Second, time.Second, node)
	assert.Equal(t, 5, registrar.count(frame.CmdRegReq))
	assert.Equal(t, registry.Timeout.String(), node.eng.Registrations()[0].State)
	assert.Empty(t, node.eng.Channels())
}

const registrarConfig = `
general:
  bind: "10.0.0.2:4569"
  min_reg_expire: 60
  max_reg_expire: 600
peers:
  - { name: me, host: dynamic, secret: pw, auth: [md5] }
`

func TestRegistrarBindsDynamicPeer(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	client := newTestNode(t, n, fc, "10.0.0.1:4569", `
general:
  bind: "10.0.0.1:4569"
registrations:
  - { username: me, secret: pw, host: "10.0.0.2:4569", refresh: 30 }
`)
	server := newTestNode(t, n, fc, "10.0.0.2:4569", registrarConfig)
	server.eng.Start()

	peers := server.eng.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, StatusUnregistered, peers[0].Status)

	client.eng.Start()
	n.Flush(20)

	st := client.eng.Registrations()
	require.Len(t, st, 1)
	assert.Equal(t, registry.Registered.String(), st[0].State)
	assert.Equal(t, 60, st[0].Refresh, "the registrar raises the refresh to its minimum")
	assert.Equal(t, "10.0.0.1:4569", st[0].Apparent)

	peers = server.eng.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "10.0.0.1:4569", peers[0].Addr)
	assert.Equal(t, StatusUnmonitored, peers[0].Status)
	assert.True(t, epoch.Add(time.Minute).Equal(peers[0].Expires))

	b, err := server.store.Get(context.Background(), "me")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:4569", b.Addr)
	assert.Equal(t, 60, b.Refresh)

	assert.Empty(t, client.eng.Channels())
	assert.Empty(t, server.eng.Channels())

	// Without refreshes the binding lapses.
	run(fc, n, time.Minute, time.Second, server)
	peers = server.eng.Peers()
	assert.Equal(t, StatusUnregistered, peers[0].Status)
	assert.Empty(t, peers[0].Addr)
	_, err = server.store.Get(context.Background(), "me")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRegistrarRejectsWrongSecret(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	client := newTestNode(t, n, fc, "10.0.0.1:4569", `
general:
  bind: "10.0.0.1:4569"
registrations:
  - { username: me, secret: nope, host: "10.0.0.2:4569" }
`)
	server := newTestNode(t, n, fc, "10.0.0.2:4569", registrarConfig)
	client.eng.Start()
	n.Flush(20)
	run(fc, n, 2*time.Second, 100*time.Millisecond, client, server)

	st := client.eng.Registrations()
	require.Len(t, st, 1)
	assert.Equal(t, registry.Rejected.String(), st[0].State)
	assert.Equal(t, StatusUnregistered, server.eng.Peers()[0].Status)
}

func TestRegistrarRestoresBindings(t *testing.T) {
	fc := clock.NewFake(epoch)
	n := netsim.New(netsim.Config{})
	server := newTestNode(t, n, fc, "10.0.0.2:4569", registrarConfig)
	ctx := context.Background()
	require.NoError(t, server.store.Put(ctx, registry.Binding{
		Peer: "me", Addr: "10.0.0.7:4569", Refresh: 120,
		Registered: epoch, Expires: epoch.Add(2 * time.Minute),
	}))
	require.NoError(t, server.store.Put(ctx, registry.Binding{
		Peer: "ghost", Addr: "10.0.0.8:4569", Refresh: 120,
		Registered: epoch, Expires: epoch.Add(2 * time.Minute),
	}))

	server.eng.Start()

	peers := server.eng.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "10.0.0.7:4569", peers[0].Addr)
	assert.Equal(t, StatusUnmonitored, peers[0].Status)
	_, err := server.store.Get(ctx, "ghost")
	assert.ErrorIs(t, err, registry.ErrNotFound, "bindings of unknown peers are dropped")
}
