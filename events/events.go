// Package events publishes manager events (peer status, registry changes,
// hangups) to any number of sinks.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type names an event.
type Type string

const (
	PeerStatus Type = "PeerStatus"
	Registry   Type = "Registry"
	Hangup     Type = "Hangup"
	NewChannel Type = "Newchannel"
	Transfer   Type = "Transfer"
)

// Event is one manager event.
type Event struct {
	Type   Type              `json:"event"`
	Time   time.Time         `json:"time"`
	Fields map[string]string `json:"fields"`
}

// Sink receives events. Publish must not block for long.
type Sink interface {
	Publish(e Event) error
	Close() error
}

// Bus fans events out to sinks from a single goroutine so that publishers
// never wait on a slow sink.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	queue  chan Event
	done   chan struct{}
	closed bool

	dropped uint64
}

// NewBus starts a bus with the given queue depth.
func NewBus(depth int, sinks ...Sink) *Bus {
	if depth <= 0 {
		depth = 256
	}
	b := &Bus{sinks: sinks, queue: make(chan Event, depth), done: make(chan struct{})}
	go b.run()
	return b
}

// AddSink attaches another sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Emit queues an event. When the queue is full the event is dropped.
func (b *Bus) Emit(t Type, fields map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- Event{Type: t, Time: time.Now(), Fields: fields}:
	default:
		b.dropped++
		logrus.WithFields(logrus.Fields{
			"function": "Bus.Emit",
			"event":    string(t),
			"dropped":  b.dropped,
		}).Warn("Event queue full, dropping event")
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for e := range b.queue {
		b.mu.RLock()
		sinks := b.sinks
		b.mu.RUnlock()
		for _, s := range sinks {
			if err := s.Publish(e); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Bus.run",
					"event":    string(e.Type),
					"error":    err.Error(),
				}).Warn("Event sink failed")
			}
		}
	}
}

// Close drains queued events and closes every sink.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	<-b.done

	var first error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink writes events as structured log lines.
type LogSink struct {
	Logger *logrus.Logger
}

func (l LogSink) Publish(e Event) error {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fields := logrus.Fields{"event": string(e.Type)}
	for k, v := range e.Fields {
		fields[k] = v
	}
	logger.WithFields(fields).Info("Manager event")
	return nil
}

func (LogSink) Close() error { return nil }

// FuncSink adapts a function, mostly for tests and in-process consumers.
type FuncSink func(e Event)

func (f FuncSink) Publish(e Event) error {
	f(e)
	return nil
}

func (FuncSink) Close() error { return nil }
