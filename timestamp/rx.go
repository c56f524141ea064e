package timestamp

import "time"

const (
	audioShift     = 16
	videoShift     = 15
	audioThreshold = 50000
	videoThreshold = 25000
)

// Rx tracks inbound timestamps for one session.
type Rx struct {
	core time.Time
	last uint32
}

// Last returns the highest full timestamp seen.
func (r *Rx) Last() uint32 { return r.last }

// Observe records a full 32-bit timestamp.
func (r *Rx) Observe(ts uint32) {
	if ts > r.last {
		r.last = ts
	}
}

// Reset forgets the receive origin and history.
func (r *Rx) Reset() { *r = Rx{} }

// Unwrap expands a truncated mini (16 bit) or video (15 bit) timestamp to
// 32 bits using the upper bits of the last full timestamp, correcting for a
// wrap in either direction, and records the result.
func (r *Rx) Unwrap(short uint16, video bool) uint32 {
	ts := UnwrapAgainst(r.last, short, video)
	r.Observe(ts)
	return ts
}

// UnwrapAgainst is the stateless form of Unwrap.
func UnwrapAgainst(last uint32, short uint16, video bool) uint32 {
	shift, threshold := uint(audioShift), int64(audioThreshold)
	if video {
		shift, threshold = videoShift, videoThreshold
	}
	lower := uint32(1)<<shift - 1
	upper := last &^ lower
	ts := upper | (uint32(short) & lower)

	x := int64(ts) - int64(last)
	switch {
	case x < -threshold:
		ts = (upper + 1<<shift) | (ts & lower)
	case x > threshold && upper >= 1<<shift:
		ts = (upper - 1<<shift) | (ts & lower)
	}
	return ts
}

// Stamp returns the receive time of a frame in the sender's time base. The
// first call anchors the origin so that a frame stamped ts arrives "now".
func (r *Rx) Stamp(now time.Time, ts uint32) uint32 {
	if r.core.IsZero() {
		r.core = now.Add(-time.Duration(ts) * time.Millisecond)
	}
	ms := now.Sub(r.core).Milliseconds()
	if ms < 0 {
		return 0
	}
	return uint32(ms)
}
