package trunk

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/iaxcore/clock"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (r *recorder) send(_ *net.UDPAddr, b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, append([]byte(nil), b...))
	return nil
}

var peerAddr = &net.UDPAddr{IP: net.IPv4(198, 51, 100, 7), Port: 4569}

func TestFlushRoundTrip(t *testing.T) {
	for _, withTS := range []bool{false, true} {
		fc := clock.NewFake(time.Unix(100, 0))
		rec := &recorder{}
		a := New(Config{Timestamps: withTS}, fc, rec.send)

		require.NoError(t, a.Queue(peerAddr, 16384, 160, []byte("first")))
		require.NoError(t, a.Queue(peerAddr, 16385, 320, bytes.Repeat([]byte{7}, 160)))
		assert.Equal(t, 1, a.FlushAll(fc.Advance(20*time.Millisecond)))
		require.Len(t, rec.sent, 1)

		tr, err := frame.DecodeTrunk(rec.sent[0])
		require.NoError(t, err)
		assert.Equal(t, withTS, tr.WithTimestamps)
		require.Len(t, tr.Entries, 2)
		assert.Equal(t, uint16(16384), tr.Entries[0].CallNo)
		assert.Equal(t, []byte("first"), tr.Entries[0].Payload)
		assert.Len(t, tr.Entries[1].Payload, 160)
		if withTS {
			assert.Equal(t, uint16(320), tr.Entries[1].Timestamp)
		}

		assert.Equal(t, 0, a.FlushAll(fc.Advance(20*time.Millisecond)), "empty buffers send nothing")
	}
}

func TestMTUFlushesImmediately(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	a := New(Config{MTU: 300}, fc, rec.send)

	payload := make([]byte, 160)
	require.NoError(t, a.Queue(peerAddr, 1, 0, payload))
	assert.Empty(t, rec.sent)
	require.NoError(t, a.Queue(peerAddr, 2, 0, payload))
	assert.Equal(t, 1, len(rec.sent), "second entry crosses the MTU")
	assert.Equal(t, uint64(1), a.Stats().MTUFlush)
}

func TestMaxSizeDrops(t *testing.T) {
	rec := &recorder{}
	a := New(Config{MTU: 100000, MaxSize: 200}, clock.NewFake(time.Unix(0, 0)), rec.send)
	require.NoError(t, a.Queue(peerAddr, 1, 0, make([]byte, 160)))
	assert.ErrorIs(t, a.Queue(peerAddr, 1, 0, make([]byte, 160)), ErrTrunkFull)
	assert.Equal(t, uint64(1), a.Stats().Dropped)
}

func TestTimestampsNeverRepeat(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	a := New(Config{}, fc, rec.send)

	var last uint32
	for i := 0; i < 20; i++ {
		require.NoError(t, a.Queue(peerAddr, 1, 0, []byte{1}))
		a.FlushAll(fc.Now())
		tr, err := frame.DecodeTrunk(rec.sent[len(rec.sent)-1])
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, tr.Timestamp, last)
		}
		last = tr.Timestamp
	}
}

func TestPredictedTimestamp(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	a := New(Config{}, fc, rec.send)

	var got []uint32
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Queue(peerAddr, 1, 0, []byte{1}))
		a.FlushAll(fc.Advance(23 * time.Millisecond))
		tr, err := frame.DecodeTrunk(rec.sent[i])
		require.NoError(t, err)
		got = append(got, tr.Timestamp)
	}
	assert.Equal(t, []uint32{23, 43, 63}, got)
}

func TestIdlePeerExpires(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	a := New(Config{}, fc, rec.send)
	require.NoError(t, a.Queue(peerAddr, 1, 0, []byte{1}))
	a.FlushAll(fc.Now())
	assert.Len(t, a.Peers(), 1)

	a.FlushAll(fc.Advance(6 * time.Second))
	assert.Empty(t, a.Peers())
}

func TestSendErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{err: boom}
	a := New(Config{MTU: 10}, clock.NewFake(time.Unix(0, 0)), rec.send)
	assert.ErrorIs(t, a.Queue(peerAddr, 1, 0, make([]byte, 20)), boom)
}
