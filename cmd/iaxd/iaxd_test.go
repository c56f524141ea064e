package main

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/iaxcore/config"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/pbx"
)

type fakeCalls struct {
	mu       sync.Mutex
	answered []uint16
	sent     []pbx.Frame
}

func (f *fakeCalls) Answer(callno uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, callno)
	return nil
}

func (f *fakeCalls) SendFrame(_ uint16, fr pbx.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeCalls) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestEchoChannelAnswersAndEchoes(t *testing.T) {
	calls := &fakeCalls{}
	factory := newEchoFactory(calls)
	ch, err := factory.NewChannel(pbx.CallInfo{CallNo: 5, Exten: "100"})
	require.NoError(t, err)

	ch.Deliver(pbx.Frame{Type: frame.TypeVoice, Subclass: uint32(frame.FormatULaw), Data: []byte{1, 2}})
	ch.Deliver(pbx.Frame{Type: frame.TypeVoice, Interpolated: true})
	ch.Deliver(pbx.Frame{Type: frame.TypeControl, Subclass: uint32(frame.ControlAnswer)})
	ch.Deliver(pbx.Frame{Type: frame.TypeText, Data: []byte("hi")})

	assert.Eventually(t, func() bool { return calls.sentCount() == 2 }, time.Second, 5*time.Millisecond)
	ch.Hangup(frame.CauseNormalClearing)
	ch.Hangup(frame.CauseNormalClearing)
	factory.Wait()

	calls.mu.Lock()
	defer calls.mu.Unlock()
	assert.Equal(t, []uint16{5}, calls.answered)
	assert.Equal(t, frame.TypeVoice, calls.sent[0].Type)
	assert.Equal(t, []byte{1, 2}, calls.sent[0].Data)
	assert.Equal(t, frame.TypeText, calls.sent[1].Type)
	assert.False(t, ch.BridgedWantsJitter())
}

func TestDialplanCoversConfiguredContexts(t *testing.T) {
	snap, err := config.LoadBytes([]byte(`
users:
  - { name: alice, context: internal }
peers:
  - { name: up, host: "192.0.2.1", context: trunk }
`))
	require.NoError(t, err)

	dp := dialplanFor(snap, []string{"_1XX"})
	for _, ctx := range []string{"default", "internal", "trunk"} {
		assert.True(t, dp.Exists(ctx, "123", ""), ctx)
	}
	assert.False(t, dp.Exists("other", "123", ""))
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "iaxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
general:
  bind: "127.0.0.1:4570"
users:
  - { name: alice, secret: hunter2 }
`), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "-c", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "# VALID: 1 user(s), 0 peer(s), 0 registration(s)")
	assert.Contains(t, out.String(), "127.0.0.1:4570")
	assert.NotContains(t, out.String(), "hunter2")

	require.NoError(t, os.WriteFile(path, []byte("general: { codec_priority: sideways }\n"), 0o600))
	rootCmd.SetArgs([]string{"validate", "-c", path})
	assert.Error(t, rootCmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "iaxd dev")
}
