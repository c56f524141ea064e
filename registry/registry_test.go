package registry

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/opd-ai/iaxcore/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRefresh(t *testing.T) {
	assert.Equal(t, 50*time.Second, NextRefresh(60))
	assert.Equal(t, 50*time.Second, NextRefresh(0))
	assert.Equal(t, 3000*time.Second, NextRefresh(3600))
}

func TestClampRefresh(t *testing.T) {
	assert.Equal(t, 60, ClampRefresh(0, 60, 3600, 60))
	assert.Equal(t, 60, ClampRefresh(10, 60, 3600, 60))
	assert.Equal(t, 3600, ClampRefresh(9000, 60, 3600, 60))
	assert.Equal(t, 120, ClampRefresh(120, 60, 3600, 60))
}

func TestRegistrationTransitions(t *testing.T) {
	now := time.Unix(500, 0)
	r := &Registration{Username: "me", Host: "provider.example", Refresh: 60}
	assert.Equal(t, Unregistered, r.State)

	r.Sent(now)
	assert.Equal(t, RequestSent, r.State)
	r.Authenticating(now)
	assert.Equal(t, AuthSent, r.State)

	us := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 4569}
	next := r.Acked(now.Add(time.Second), us, 120, 3)
	assert.Equal(t, Registered, r.State)
	assert.Equal(t, 100*time.Second, next)
	assert.Equal(t, 120, r.Refresh)

	st := r.Status()
	assert.Equal(t, "me@provider.example", st.Name)
	assert.Equal(t, "203.0.113.9:4569", st.Apparent)
	assert.Equal(t, 3, st.Messages)
	assert.Equal(t, "Registered", st.State)

	r.TimedOut(now)
	assert.Equal(t, "Timeout", r.State.String())
	r.Rejected(now)
	assert.Equal(t, Rejected, r.State)
	r.Unanswerable(now)
	assert.Equal(t, NoAuth, r.State)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Unix(1000, 0))
	s := NewMemoryStore(fc)

	require.NoError(t, s.Put(ctx, Binding{Peer: "bob", Addr: "192.0.2.5:4569", Refresh: 60, Expires: fc.Now().Add(time.Minute)}))
	require.NoError(t, s.Put(ctx, Binding{Peer: "alice", Addr: "192.0.2.6:4569", Refresh: 120, Expires: fc.Now().Add(2 * time.Minute)}))

	b, err := s.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.5:4569", b.Addr)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].Peer)

	fc.Advance(90 * time.Second)
	_, err = s.Get(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, "alice"))
	_, err = s.Get(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Close())
}

// TestRedisStore runs against a live server named by IAXD_TEST_REDIS.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("IAXD_TEST_REDIS")
	if addr == "" {
		t.Skip("IAXD_TEST_REDIS not set")
	}
	ctx := context.Background()
	s, err := NewRedisStore(ctx, RedisConfig{Address: addr, Prefix: "iaxd-test:"})
	require.NoError(t, err)
	defer s.Close()

	b := Binding{Peer: "bob", Addr: "192.0.2.5:4569", Refresh: 60, Registered: time.Now(), Expires: time.Now().Add(time.Minute)}
	require.NoError(t, s.Put(ctx, b))
	got, err := s.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, b.Addr, got.Addr)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	require.NoError(t, s.Delete(ctx, "bob"))
	_, err = s.Get(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisKeys(t *testing.T) {
	s := NewRedisStoreWithClient(nil, "")
	assert.Equal(t, "iaxd:binding:bob", s.key("bob"))
	assert.Equal(t, "iaxd:bindings", s.index())
}
