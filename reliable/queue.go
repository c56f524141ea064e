// Package reliable tracks full frames awaiting acknowledgement and decides
// when they are retransmitted or given up on.
package reliable

import (
	"net"
	"sync"
	"time"

	"github.com/opd-ai/iaxcore/clock"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/sirupsen/logrus"
)

// Defaults for Config.
const (
	DefaultMaxRetries  = 4
	DefaultMinRetry    = 100 * time.Millisecond
	DefaultMaxRetry    = 10 * time.Second
	DefaultTransferMax = time.Second
)

// Config bounds retransmission.
type Config struct {
	MaxRetries int
	MinRetry   time.Duration
	MaxRetry   time.Duration
	// TransferMax caps the interval of transfer frames.
	TransferMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MinRetry <= 0 {
		c.MinRetry = DefaultMinRetry
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.TransferMax <= 0 {
		c.TransferMax = DefaultTransferMax
	}
	return c
}

// Entry is a frame in flight.
type Entry struct {
	CallNo uint16
	Gen    uint64
	Addr   *net.UDPAddr
	Frame  *frame.Full
	// Final frames destroy the session once acknowledged.
	Final bool
	// Transfer frames travel to the transfer address and fail into TXREJ.
	Transfer bool
	// Clear frames are always sent unencrypted.
	Clear bool

	// Retries counts retransmissions; -1 once acknowledged.
	Retries  int
	Interval time.Duration
	NextAt   time.Time
}

// Acked reports whether the entry was acknowledged.
func (e *Entry) Acked() bool { return e.Retries < 0 }

// SweepResult is what a sweep hands back to the caller, which performs the
// sends and teardown outside the queue lock.
type SweepResult struct {
	// Resend lists copies of entries due for retransmission.
	Resend []Entry
	// Failed lists entries that exhausted their retries; they are removed.
	Failed []Entry
	// Next is the earliest remaining deadline, zero if the queue is empty.
	Next time.Time
}

// Queue is the process-wide retransmission queue. It has its own mutex and
// is always locked after a session slot, never before.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	clock   clock.TimeProvider
	entries []*Entry

	retransmits uint64
	failures    uint64
}

// NewQueue creates an empty queue.
func NewQueue(cfg Config, tp clock.TimeProvider) *Queue {
	return &Queue{cfg: cfg.withDefaults(), clock: clock.OrReal(tp)}
}

// InitialInterval is the first retry interval for a peer with round trip
// rtt: twice rtt, clamped to the configured bounds.
func (q *Queue) InitialInterval(rtt time.Duration, transfer bool) time.Duration {
	return q.clamp(2*rtt, transfer)
}

func (q *Queue) clamp(d time.Duration, transfer bool) time.Duration {
	if d < q.cfg.MinRetry {
		d = q.cfg.MinRetry
	}
	if d > q.cfg.MaxRetry {
		d = q.cfg.MaxRetry
	}
	if transfer && d > q.cfg.TransferMax {
		d = q.cfg.TransferMax
	}
	return d
}

// Add queues e for retransmission after rtt-derived interval and returns
// its first deadline.
func (q *Queue) Add(e *Entry, rtt time.Duration) time.Time {
	e.Retries = 0
	e.Interval = q.InitialInterval(rtt, e.Transfer)
	e.NextAt = q.clock.Now().Add(e.Interval)

	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
	return e.NextAt
}

// AckRange marks every entry of callno with sequence number in [from, to)
// as acknowledged and returns copies of them.
func (q *Queue) AckRange(callno uint16, from, to uint8) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var acked []Entry
	span := to - from
	for _, e := range q.entries {
		if e.CallNo != callno || e.Acked() || e.Transfer {
			continue
		}
		if e.Frame.OSeqNo-from < span {
			e.Retries = -1
			acked = append(acked, *e)
		}
	}
	return acked
}

// AckTimestamp acknowledges the entry of callno carrying ts and oseqno, as
// an explicit ACK does. It returns a copy and true when one matched.
func (q *Queue) AckTimestamp(callno uint16, ts uint32, oseqno uint8) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.CallNo == callno && !e.Acked() && e.Frame.Timestamp == ts && e.Frame.OSeqNo == oseqno {
			e.Retries = -1
			return *e, true
		}
	}
	return Entry{}, false
}

// AckTransfer acknowledges transfer frames of callno with the given
// command, as TXACC does for TXCNT.
func (q *Queue) AckTransfer(callno uint16, cmd frame.Command) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.CallNo == callno && e.Transfer && !e.Acked() && e.Frame.IsIAX(cmd) {
			e.Retries = -1
			n++
		}
	}
	return n
}

// Cancel removes every entry of callno and returns how many were pending.
func (q *Queue) Cancel(callno uint16) int {
	return q.remove(func(e *Entry) bool { return e.CallNo == callno })
}

// CancelTransfer removes the transfer frames of callno.
func (q *Queue) CancelTransfer(callno uint16) int {
	return q.remove(func(e *Entry) bool { return e.CallNo == callno && e.Transfer })
}

func (q *Queue) remove(match func(*Entry) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	kept := q.entries[:0]
	for _, e := range q.entries {
		if match(e) {
			if !e.Acked() {
				n++
			}
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	return n
}

// Live reports whether callno still has unacknowledged frames.
func (q *Queue) Live(callno uint16) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.CallNo == callno && !e.Acked() {
			return true
		}
	}
	return false
}

// Replay returns copies of every unacknowledged non-transfer entry of
// callno from sequence number from onwards, in sequence order, as
// requested by a VNAK.
func (q *Queue) Replay(callno uint16, from uint8) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if e.CallNo != callno || e.Acked() || e.Transfer {
			continue
		}
		if e.Frame.OSeqNo-from < 128 {
			out = append(out, *e)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Frame.OSeqNo-from < out[j-1].Frame.OSeqNo-from; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	q.retransmits += uint64(len(out))
	return out
}

// Sweep prunes acknowledged entries, collects due ones for resending with a
// doubled interval and removes those past the retry ceiling.
func (q *Queue) Sweep(now time.Time) SweepResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	var res SweepResult
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Acked() {
			continue
		}
		if now.Before(e.NextAt) {
			kept = append(kept, e)
			res.Next = earliest(res.Next, e.NextAt)
			continue
		}
		if e.Retries >= q.cfg.MaxRetries {
			q.failures++
			res.Failed = append(res.Failed, *e)
			logrus.WithFields(logrus.Fields{
				"function": "Queue.Sweep",
				"callno":   e.CallNo,
				"frame":    e.Frame.String(),
				"retries":  e.Retries,
			}).Warn("Giving up on frame after max retries")
			continue
		}
		e.Retries++
		e.Interval = q.clamp(e.Interval*2, e.Transfer)
		e.NextAt = now.Add(e.Interval)
		q.retransmits++
		res.Resend = append(res.Resend, *e)
		kept = append(kept, e)
		res.Next = earliest(res.Next, e.NextAt)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	return res
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}

// Next returns the earliest pending deadline.
func (q *Queue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	for _, e := range q.entries {
		if !e.Acked() {
			next = earliest(next, e.NextAt)
		}
	}
	return next, !next.IsZero()
}

// Len returns the number of queued entries, acknowledged or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns lifetime retransmission and failure counts.
func (q *Queue) Stats() (retransmits, failures uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retransmits, q.failures
}
