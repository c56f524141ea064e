// Package timestamp reconciles the millisecond timestamps IAX2 puts on
// every frame: outbound prediction against the local clock and inbound
// unwrapping of truncated mini-frame stamps.
package timestamp

import (
	"time"
)

const (
	// MaxSkew is the largest prediction error, in milliseconds, that is
	// smoothed instead of triggering a resync.
	MaxSkew = 160
	// offsetGranularity anchors the stream start on a 20 ms boundary.
	offsetGranularity = 20 * time.Millisecond
	defaultFrameMs    = 20
)

// Class selects the stamping rule for an outbound frame.
type Class int

const (
	// Voice frames follow the predicted sample clock.
	Voice Class = iota
	// Video frames use the wall clock and never go backwards.
	Video
	// Genuine frames (IAX control) keep clock based stamps and never repeat.
	Genuine
	// Other frames (DTMF, text, control) are pulled into the voice stream.
	Other
)

// Tx computes outbound timestamps for one session. It is not safe for
// concurrent use; the session lock guards it.
type Tx struct {
	offset    time.Time
	lastSent  uint32
	lastVideo uint32
	nextPred  int64
	started   bool
}

// Offset returns the stream origin, zero until the first stamp.
func (t *Tx) Offset() time.Time { return t.offset }

// LastSent returns the last timestamp handed out.
func (t *Tx) LastSent() uint32 { return t.lastSent }

// Reset forgets the stream so the next frame starts a new origin.
func (t *Tx) Reset() {
	*t = Tx{}
}

func (t *Tx) anchor(now time.Time) {
	if t.offset.IsZero() {
		t.offset = now.Truncate(offsetGranularity)
	}
}

func (t *Tx) elapsed(now time.Time) int64 {
	ms := now.Sub(t.offset).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// Stamp returns the timestamp for a frame sent at now. samples and rate
// describe voice payloads and are ignored for other classes.
func (t *Tx) Stamp(now time.Time, class Class, samples, rate int) uint32 {
	t.anchor(now)
	ms := t.elapsed(now)
	last := int64(t.lastSent)

	switch class {
	case Voice:
		frameMs := int64(defaultFrameMs)
		if rate > 0 && samples > 0 {
			frameMs = int64(samples) * 1000 / int64(rate)
			if frameMs == 0 {
				frameMs = 1
			}
		}
		if t.nextPred == 0 {
			t.nextPred = ms
			if t.started && t.nextPred <= last {
				t.nextPred = last + 3
			}
		}
		diff := ms - t.nextPred
		if abs(diff) <= MaxSkew {
			// Drift the origin by a tenth of the error so real time and
			// the sample clock converge without audible jumps.
			t.offset = t.offset.Add(time.Duration(diff/10) * time.Millisecond)
			ms = t.nextPred
		} else {
			ms = (ms + frameMs - 1) / frameMs * frameMs
		}
		t.nextPred = ms + frameMs
	case Video:
		if ms <= int64(t.lastVideo) {
			ms = int64(t.lastVideo) + 1
		}
		t.lastVideo = uint32(ms)
		return uint32(ms)
	case Genuine:
		if t.started && ms <= last {
			ms = last + 3
		}
	default:
		if t.started && abs(ms-last) <= MaxSkew {
			ms = last + 3
		}
	}

	t.started = true
	t.lastSent = uint32(ms)
	return t.lastSent
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
