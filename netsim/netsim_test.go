package netsim

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(e *Endpoint) *[]byte {
	var got []byte
	e.SetHandler(func(data []byte, _ *net.UDPAddr) { got = append(got, data[0]) })
	return &got
}

func TestPerfectNetworkPreservesOrder(t *testing.T) {
	n := New(Config{})
	a, err := n.Endpoint("10.0.0.1:4569")
	require.NoError(t, err)
	b, err := n.Endpoint("10.0.0.2:4569")
	require.NoError(t, err)
	got := collect(b)

	for i := byte(0); i < 10; i++ {
		require.NoError(t, a.Send([]byte{i}, b.Addr()))
	}
	assert.Equal(t, 10, n.Pending())
	assert.Equal(t, 10, n.Step())
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, *got)
}

func TestImpairmentIsDeterministic(t *testing.T) {
	run := func() ([]byte, Stats) {
		n := New(Config{Loss: 0.2, Reorder: 0.3, Duplicate: 0.1, Seed: 42})
		a, _ := n.Endpoint("10.0.0.1:4569")
		b, _ := n.Endpoint("10.0.0.2:4569")
		got := collect(b)
		for i := byte(0); i < 100; i++ {
			_ = a.Send([]byte{i}, b.Addr())
		}
		n.Flush(10)
		return *got, n.Stats()
	}
	g1, s1 := run()
	g2, s2 := run()
	assert.Equal(t, g1, g2)
	assert.Equal(t, s1, s2)
	assert.Greater(t, s1.Lost, 0)
	assert.Greater(t, s1.Reordered, 0)
	assert.Equal(t, s1.Sent-s1.Lost+s1.Duplicated, s1.Delivered)
}

func TestFilterAndUnroutable(t *testing.T) {
	n := New(Config{})
	a, _ := n.Endpoint("10.0.0.1:4569")
	b, _ := n.Endpoint("10.0.0.2:4569")
	got := collect(b)
	n.SetFilter(func(p Packet) bool { return p.Data[0] != 1 })

	_ = a.Send([]byte{0}, b.Addr())
	_ = a.Send([]byte{1}, b.Addr())
	_ = a.Send([]byte{2}, &net.UDPAddr{IP: net.IPv4(10, 9, 9, 9), Port: 1})
	n.Step()
	assert.Equal(t, []byte{0}, *got)
	assert.Equal(t, 1, n.Stats().Lost)
	assert.Equal(t, 1, n.Stats().Unroutable)

	_, err := n.Endpoint("10.0.0.2:4569")
	assert.Error(t, err)
}

func TestServeAndClose(t *testing.T) {
	n := New(Config{})
	a, _ := n.Endpoint("10.0.0.1:4569")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- a.Serve(ctx, func([]byte, *net.UDPAddr) {}) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())
	assert.NoError(t, <-errc)
	assert.ErrorIs(t, a.Send([]byte{1}, a.Addr()), ErrClosed)
}
