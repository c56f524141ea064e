package events

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ closed bool }

func (f *failingSink) Publish(Event) error { return errors.New("down") }
func (f *failingSink) Close() error        { f.closed = true; return nil }

func TestBusDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []Type
	bad := &failingSink{}
	b := NewBus(16, FuncSink(func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	}), bad, LogSink{})

	b.Emit(PeerStatus, map[string]string{"peer": "bob", "status": "Reachable"})
	b.Emit(Registry, map[string]string{"status": "Registered"})
	b.Emit(Hangup, nil)
	require.NoError(t, b.Close())

	assert.Equal(t, []Type{PeerStatus, Registry, Hangup}, got)
	assert.True(t, bad.closed)

	b.Emit(Hangup, nil)
	assert.NoError(t, b.Close())
}

func TestEncode(t *testing.T) {
	body, err := Encode(Event{Type: PeerStatus, Fields: map[string]string{"peer": "bob"}})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, "PeerStatus", m["event"])
}

// TestAMQPSink runs against a broker named by IAXD_TEST_AMQP.
func TestAMQPSink(t *testing.T) {
	url := os.Getenv("IAXD_TEST_AMQP")
	if url == "" {
		t.Skip("IAXD_TEST_AMQP not set")
	}
	s, err := NewAMQPSink(AMQPConfig{URL: url, Exchange: "iaxd.test"})
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Publish(Event{Type: Registry}))
}
