package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTap struct {
	mu    sync.Mutex
	count int
}

func (r *recordingTap) Packet([]byte, net.Addr, net.Addr) {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

func (r *recordingTap) n() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func TestUDPRoundTrip(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransport("127.0.0.1:0", 0xb8)
	require.NoError(t, err)
	defer b.Close()

	tap := &recordingTap{}
	b.SetTap(tap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan []byte, 1)
	go b.Serve(ctx, func(data []byte, addr *net.UDPAddr) {
		got <- append([]byte(nil), data...)
	})

	require.NoError(t, a.Send([]byte{0x80, 0x01, 0, 0}, b.LocalAddr().(*net.UDPAddr)))
	select {
	case d := <-got:
		assert.Equal(t, []byte{0x80, 0x01, 0, 0}, d)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}
	assert.Equal(t, 1, tap.n())
	assert.Equal(t, uint64(1), a.Stats().Sent)
	assert.Equal(t, uint64(1), b.Stats().Received)
}

func TestSendValidation(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0", 0)
	require.NoError(t, err)
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}

	assert.Error(t, a.Send(nil, dst))
	assert.Error(t, a.Send(make([]byte, 5000), dst))

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send([]byte{1}, dst), ErrClosed)
	assert.NoError(t, a.Close())
}

func TestServeStopsOnCancel(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, func([]byte, *net.UDPAddr) {}) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
