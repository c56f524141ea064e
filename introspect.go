package iaxcore

import (
	"sort"
	"time"

	"github.com/opd-ai/iaxcore/session"
)

// ChannelInfo describes one live session.
type ChannelInfo struct {
	CallNo     uint16
	PeerCallNo uint16
	UniqueID   string
	Kind       string
	Phase      string
	Peer       string
	Addr       string
	User       string
	Exten      string
	Context    string
	Format     string
	Encrypted  bool
	Trunk      bool
	Transfer   string
	PingTime   time.Duration
	Lag        time.Duration
	Age        time.Duration
	Stats      session.Stats
	Jitter     int64
	Lost       int64
}

// Channels lists live sessions ordered by call number.
func (e *Engine) Channels() []ChannelInfo {
	now := e.clock.Now()
	var out []ChannelInfo
	e.table.Each(func(s *session.Session) {
		ci := ChannelInfo{
			CallNo:     s.CallNo,
			PeerCallNo: s.PeerCallNo,
			UniqueID:   s.UniqueID,
			Kind:       s.Kind.String(),
			Phase:      s.Phase.String(),
			Peer:       s.Peer,
			Addr:       addrString(s.Addr),
			User:       s.Username,
			Exten:      s.Exten,
			Context:    s.Context,
			Format:     s.Format.String(),
			Encrypted:  s.Cipher != nil,
			Trunk:      s.Trunk,
			Transfer:   s.Transfer.State.String(),
			PingTime:   s.PingTime,
			Lag:        s.Lag,
			Age:        now.Sub(s.Created),
			Stats:      s.Stats,
		}
		if s.JB != nil {
			info := s.JB.Info()
			ci.Jitter = info.Jitter
			ci.Lost = int64(info.FramesLost)
		}
		out = append(out, ci)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CallNo < out[j].CallNo })
	return out
}

// Stats are engine-wide counters.
type Stats struct {
	Sessions    int
	FramesIn    uint64
	FramesOut   uint64
	Dropped     uint64
	Pending     int
	Retransmits uint64
	RetryFails  uint64
	TrunkPeers  int
	Timers      int
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	rt, fails := e.queue.Stats()
	return Stats{
		Sessions:    e.table.Count(),
		FramesIn:    e.framesIn.Load(),
		FramesOut:   e.framesOut.Load(),
		Dropped:     e.dropped.Load(),
		Pending:     e.queue.Len(),
		Retransmits: rt,
		RetryFails:  fails,
		TrunkPeers:  len(e.trunk.Peers()),
		Timers:      e.sched.Len(),
	}
}
