package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullTransferPath(t *testing.T) {
	a, b := Start(false), Start(false)
	assert.Equal(t, Begin, a)

	a, ok := OnReady(a)
	assert.True(t, ok)
	_, _, out := Resolve(a, b)
	assert.Equal(t, Wait, out)

	b, ok = OnReady(b)
	assert.True(t, ok)
	a, b, out = Resolve(a, b)
	assert.Equal(t, Release, out)
	assert.Equal(t, Released, a)
	assert.Equal(t, Released, b)
}

func TestMediaOnlyPath(t *testing.T) {
	a, _ := OnReady(Start(true))
	b, _ := OnReady(Start(true))
	assert.Equal(t, MReady, a)
	a, b, out := Resolve(a, b)
	assert.Equal(t, MediaDirect, out)
	assert.Equal(t, Media, a)
	assert.Equal(t, Media, b)
	assert.True(t, a.MediaOnly())
}

func TestMixedLegsWait(t *testing.T) {
	_, _, out := Resolve(Ready, MReady)
	assert.Equal(t, Wait, out)
}

func TestOnReadyRejectsOtherStates(t *testing.T) {
	for _, s := range []State{None, Ready, Released, Media, MediaPass} {
		got, ok := OnReady(s)
		assert.False(t, ok, s.String())
		assert.Equal(t, s, got)
	}
}

func TestEndpointTransitions(t *testing.T) {
	s, ok := EndpointOnAccept(Begin)
	assert.True(t, ok)
	assert.Equal(t, Ready, s)
	assert.True(t, EndpointOnRelease(s))

	s, ok = EndpointOnMedia(s)
	assert.True(t, ok)
	assert.Equal(t, MediaPass, s)

	_, ok = EndpointOnAccept(None)
	assert.False(t, ok)
	assert.False(t, EndpointOnRelease(Begin))
}

func TestStateHelpers(t *testing.T) {
	assert.False(t, None.Active())
	assert.True(t, Begin.Negotiating())
	assert.False(t, MediaPass.Negotiating())
	assert.Equal(t, "MEDIAPASS", MediaPass.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}
