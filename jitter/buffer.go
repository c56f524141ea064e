// Package jitter implements an adaptive playout buffer for inbound media
// and the policy deciding when a session should bypass it.
package jitter

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Result is the outcome of Put and Get.
type Result int

const (
	// OK means the frame was accepted (Put) or is due for playout (Get).
	OK Result = iota
	// Drop means the frame must be discarded.
	Drop
	// Interp means a frame is missing and the caller should synthesize one.
	Interp
	// NoFrame means nothing is due yet.
	NoFrame
	// Empty means the buffer holds nothing at all.
	Empty
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case Drop:
		return "drop"
	case Interp:
		return "interp"
	case NoFrame:
		return "noframe"
	case Empty:
		return "empty"
	}
	return "unknown"
}

// Kind distinguishes voice, which is paced and interpolated, from frames
// that are simply delayed by the current playout target.
type Kind int

const (
	KindVoice Kind = iota
	KindControl
	KindSilence
)

// Frame is a buffered frame. Times are milliseconds in the sender's base.
type Frame struct {
	Data any
	TS   int64
	Len  int64
	Kind Kind
}

// Config tunes a Buffer.
type Config struct {
	// MaxJitterBuf caps the playout delay in milliseconds.
	MaxJitterBuf int64
	// ResyncThreshold is the delay jump, in milliseconds, treated as a
	// discontinuity rather than jitter.
	ResyncThreshold int64
	// TargetExtra is added on top of the measured jitter.
	TargetExtra int64
	// MaxContigInterp bounds consecutive interpolated frames before the
	// buffer assumes the sender went silent.
	MaxContigInterp int
	// MaxFrames bounds the number of buffered frames.
	MaxFrames int
}

// DefaultConfig returns the usual tuning.
func DefaultConfig() Config {
	return Config{
		MaxJitterBuf:    1000,
		ResyncThreshold: 1000,
		TargetExtra:     40,
		MaxContigInterp: 10,
		MaxFrames:       512,
	}
}

// Info is a snapshot of buffer statistics.
type Info struct {
	FramesIn      int
	FramesOut     int
	FramesLate    int
	FramesLost    int
	FramesDropped int
	Jitter        int64
	MinDelay      int64
	Target        int64
	Buffered      int
}

const historySize = 500

// Buffer is an adaptive jitter buffer. It is safe for concurrent use.
type Buffer struct {
	mu     sync.Mutex
	cfg    Config
	frames []Frame

	hist     []int64
	histNext int
	// ordered holds the samples of hist in ascending order.
	ordered []int64

	target     int64
	nextVoice  int64
	interpRun  int
	lastDelay  int64
	haveDelay  bool
	discontCnt int

	info Info
}

// New creates a buffer.
func New(cfg Config) *Buffer {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultConfig().MaxFrames
	}
	if cfg.MaxContigInterp <= 0 {
		cfg.MaxContigInterp = DefaultConfig().MaxContigInterp
	}
	b := &Buffer{cfg: cfg, nextVoice: -1}
	logrus.WithFields(logrus.Fields{
		"function":   "jitter.New",
		"max_ms":     cfg.MaxJitterBuf,
		"resync_ms":  cfg.ResyncThreshold,
		"target_add": cfg.TargetExtra,
	}).Debug("Creating jitter buffer")
	return b
}

// Put offers a frame that arrived at now. Frames arriving after a large
// delay discontinuity are dropped until the discontinuity persists, at which
// point the buffer resynchronises.
func (b *Buffer) Put(f Frame, now int64) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := now - f.TS
	if f.Kind == KindVoice && b.haveDelay && b.cfg.ResyncThreshold > 0 && abs(delay-b.lastDelay) > b.cfg.ResyncThreshold {
		b.discontCnt++
		if b.discontCnt <= 3 {
			b.info.FramesDropped++
			return Drop
		}
		logrus.WithFields(logrus.Fields{
			"function": "Buffer.Put",
			"delay":    delay,
			"last":     b.lastDelay,
		}).Debug("Resynchronising jitter buffer")
		b.resetLocked()
	}
	b.discontCnt = 0

	for _, e := range b.frames {
		if e.TS == f.TS && e.Kind == f.Kind {
			b.info.FramesDropped++
			return Drop
		}
	}
	if len(b.frames) >= b.cfg.MaxFrames {
		b.info.FramesDropped++
		return Drop
	}

	if f.Kind == KindVoice {
		b.lastDelay = delay
		b.haveDelay = true
		b.addHistory(delay)
	}

	i := sort.Search(len(b.frames), func(i int) bool { return b.frames[i].TS > f.TS })
	b.frames = append(b.frames, Frame{})
	copy(b.frames[i+1:], b.frames[i:])
	b.frames[i] = f
	b.info.FramesIn++
	return OK
}

func (b *Buffer) addHistory(delay int64) {
	if len(b.hist) < historySize {
		b.hist = append(b.hist, delay)
	} else {
		b.ordered = removeSorted(b.ordered, b.hist[b.histNext])
		b.hist[b.histNext] = delay
		b.histNext = (b.histNext + 1) % historySize
	}
	b.ordered = insertSorted(b.ordered, delay)

	minDelay := b.ordered[0]
	p95 := b.ordered[(len(b.ordered)-1)*95/100]
	jitter := p95 - minDelay

	target := jitter + b.cfg.TargetExtra
	if b.cfg.MaxJitterBuf > 0 && target > b.cfg.MaxJitterBuf {
		target = b.cfg.MaxJitterBuf
	}
	b.info.Jitter = jitter
	b.info.MinDelay = minDelay
	b.target = minDelay + target
}

func insertSorted(s []int64, v int64) []int64 {
	i := sort.Search(len(s), func(i int) bool { return s[i] > v })
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeSorted(s []int64, v int64) []int64 {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= v })
	if i == len(s) || s[i] != v {
		return s
	}
	return append(s[:i], s[i+1:]...)
}

// Get returns the next frame due at now. interpLen is the length of a
// synthesized frame should one be needed.
func (b *Buffer) Get(now, interpLen int64) (Frame, Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) > 0 {
		head := b.frames[0]
		if head.Kind != KindVoice {
			if head.TS+b.target <= now {
				b.pop()
				b.info.FramesOut++
				return head, OK
			}
		} else {
			if b.nextVoice >= 0 && head.TS < b.nextVoice {
				b.pop()
				b.info.FramesLate++
				return head, Drop
			}
			if head.TS+b.target <= now {
				b.pop()
				b.nextVoice = head.TS + head.Len
				b.interpRun = 0
				b.info.FramesOut++
				return head, OK
			}
		}
	}

	if b.nextVoice >= 0 && b.nextVoice+b.target <= now {
		if len(b.frames) == 0 || b.frames[0].TS > b.nextVoice {
			if b.interpRun >= b.cfg.MaxContigInterp {
				b.nextVoice = -1
				b.interpRun = 0
				return Frame{}, NoFrame
			}
			if interpLen <= 0 {
				interpLen = 20
			}
			f := Frame{TS: b.nextVoice, Len: interpLen, Kind: KindVoice}
			b.nextVoice += interpLen
			b.interpRun++
			b.info.FramesLost++
			return f, Interp
		}
	}

	if len(b.frames) == 0 && b.nextVoice < 0 {
		return Frame{}, Empty
	}
	return Frame{}, NoFrame
}

// Next returns when Get should next be called, or -1 if nothing is pending.
func (b *Buffer) Next() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := int64(-1)
	if len(b.frames) > 0 {
		next = b.frames[0].TS + b.target
	}
	if b.nextVoice >= 0 {
		if v := b.nextVoice + b.target; next < 0 || v < next {
			next = v
		}
	}
	return next
}

// Remove pops the oldest frame regardless of its playout time.
func (b *Buffer) Remove() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return Frame{}, false
	}
	f := b.frames[0]
	b.pop()
	return f, true
}

// GetAll drains every buffered frame in timestamp order.
func (b *Buffer) GetAll() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.frames
	b.frames = nil
	return out
}

// Reset drops all frames and statistics history.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Buffer) resetLocked() {
	b.frames = nil
	b.hist = nil
	b.histNext = 0
	b.ordered = nil
	b.target = 0
	b.nextVoice = -1
	b.interpRun = 0
	b.haveDelay = false
	b.discontCnt = 0
}

// Info returns buffer statistics.
func (b *Buffer) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := b.info
	info.Target = b.target
	info.Buffered = len(b.frames)
	return info
}

func (b *Buffer) pop() {
	copy(b.frames, b.frames[1:])
	b.frames[len(b.frames)-1] = Frame{}
	b.frames = b.frames[:len(b.frames)-1]
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
