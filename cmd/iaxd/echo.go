package main

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/iaxcore/frame"
	"github.com/opd-ai/iaxcore/pbx"
)

// callControl is the part of the engine an echo channel drives.
type callControl interface {
	Answer(callno uint16) error
	SendFrame(callno uint16, f pbx.Frame) error
}

// echoFactory answers every inbound call and plays its media back.
type echoFactory struct {
	calls callControl
	depth int
	wg    sync.WaitGroup
}

func newEchoFactory(calls callControl) *echoFactory {
	return &echoFactory{calls: calls, depth: 64}
}

// NewChannel implements pbx.ChannelFactory.
func (f *echoFactory) NewChannel(info pbx.CallInfo) (pbx.Channel, error) {
	ch := &echoChannel{
		callno: info.CallNo,
		frames: make(chan pbx.Frame, f.depth),
		done:   make(chan struct{}),
	}
	logrus.WithFields(logrus.Fields{
		"function": "echoFactory.NewChannel",
		"callno":   info.CallNo,
		"uniqueid": info.UniqueID,
		"exten":    info.Exten,
		"caller":   info.CallerNum,
	}).Info("Answering call with echo")
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ch.run(f.calls)
	}()
	return ch, nil
}

// Wait blocks until every echo goroutine has finished.
func (f *echoFactory) Wait() { f.wg.Wait() }

type echoChannel struct {
	callno uint16
	frames chan pbx.Frame
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	dropped int
}

// Deliver queues f for playback; frames are dropped when the queue is full.
func (c *echoChannel) Deliver(f pbx.Frame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.frames <- f:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

func (c *echoChannel) Hangup(cause uint8) {
	c.once.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "echoChannel.Hangup",
			"callno":   c.callno,
			"cause":    cause,
		}).Debug("Echo call ended")
		close(c.done)
	})
}

func (c *echoChannel) BridgedWantsJitter() bool { return false }

func (c *echoChannel) run(calls callControl) {
	if err := calls.Answer(c.callno); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "echoChannel.run",
			"callno":   c.callno,
			"error":    err.Error(),
		}).Warn("Failed to answer call")
		return
	}
	for {
		select {
		case <-c.done:
			return
		case f := <-c.frames:
			if !echoes(f) {
				continue
			}
			out := pbx.Frame{Type: f.Type, Subclass: f.Subclass, Data: f.Data, Samples: f.Samples, Mark: f.Mark}
			if err := calls.SendFrame(c.callno, out); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "echoChannel.run",
					"callno":   c.callno,
					"error":    err.Error(),
				}).Debug("Echo stopped")
				return
			}
		}
	}
}

// echoes reports whether f is played back. Interpolated frames carry no
// media.
func echoes(f pbx.Frame) bool {
	if f.Interpolated {
		return false
	}
	switch f.Type {
	case frame.TypeVoice, frame.TypeVideo, frame.TypeText, frame.TypeDTMFEnd:
		return true
	}
	return false
}
