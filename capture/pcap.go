// Package capture writes IAX2 datagrams to a pcap file for offline
// inspection. Packets are wrapped in synthetic Ethernet/IPv4/UDP headers.
package capture

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"
)

const snapLen = 65535

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Writer implements transport.Tap.
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
	count  uint64
}

// Open creates (truncating) a pcap file at path.
func Open(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	logrus.WithFields(logrus.Fields{
		"function": "capture.Open",
		"file":     path,
	}).Info("Packet capture started")
	return w, nil
}

// NewWriter writes a pcap stream to out.
func NewWriter(out io.Writer) (*Writer, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Writer{w: w, now: time.Now}, nil
}

// Packet records one datagram travelling from src to dst.
func (c *Writer) Packet(data []byte, src, dst net.Addr) {
	frame, err := encapsulate(data, udpAddr(src), udpAddr(dst))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Writer.Packet",
			"error":    err.Error(),
		}).Debug("Skipping packet capture")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ci := gopacket.CaptureInfo{Timestamp: c.now(), CaptureLength: len(frame), Length: len(frame)}
	if err := c.w.WritePacket(ci, frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Writer.Packet",
			"error":    err.Error(),
		}).Warn("Failed to write captured packet")
		return
	}
	c.count++
}

// Count returns the number of packets written.
func (c *Writer) Count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Close closes the underlying file when the writer owns one.
func (c *Writer) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func udpAddr(a net.Addr) *net.UDPAddr {
	if u, ok := a.(*net.UDPAddr); ok && u != nil {
		return u
	}
	return &net.UDPAddr{IP: net.IPv4zero}
}

func ipv4(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return net.IPv4zero.To4()
}

func encapsulate(payload []byte, src, dst *net.UDPAddr) ([]byte, error) {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    ipv4(src.IP),
		DstIP:    ipv4(dst.IP),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port), DstPort: layers.UDPPort(dst.Port)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
