package capture

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4569}
	dst := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4570}
	payload := []byte{0x80, 0x01, 0x00, 0x00, 0, 0, 0, 3, 0, 0, 6, 2}
	w.Packet(payload, src, dst)
	w.Packet([]byte{0x00, 0x01, 0x00, 0x14, 0xaa}, dst, src)
	assert.Equal(t, uint64(2), w.Count())

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)

	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.True(t, ip.SrcIP.Equal(src.IP))
	assert.True(t, ip.DstIP.Equal(dst.IP))

	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(4569), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(4570), udp.DstPort)
	assert.Equal(t, payload, udp.Payload)
}

func TestWriterNonUDPAddr(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	w.Packet([]byte{1, 2, 3}, nil, nil)
	assert.Equal(t, uint64(1), w.Count())
	assert.NoError(t, w.Close())
}
