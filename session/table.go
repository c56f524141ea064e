package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/iaxcore/clock"
	"github.com/opd-ai/iaxcore/frame"
	"github.com/sirupsen/logrus"
)

// MaxCalls is the size of the call number space.
const MaxCalls = frame.MaxCallNo + 1

// DefaultMinReuse is the default quiescence interval before a released call
// number may be handed out again.
const DefaultMinReuse = 60 * time.Second

var (
	// ErrNoFreeCallNumber is returned when every eligible slot is taken or
	// still quiescent.
	ErrNoFreeCallNumber = errors.New("no free call number")
	// ErrNotTrunkable is returned when a session is already in the trunk range.
	ErrNotTrunkable = errors.New("session already in trunk range")
)

type slot struct {
	mu   sync.Mutex
	sess *Session
}

// Table maps call numbers to sessions. Each slot has its own mutex; a
// separate allocation mutex serialises the free-slot scan. Lock order is
// slot, then index, then allocation; two slots are always locked lowest
// call number first.
type Table struct {
	slots []slot

	allocMu  sync.Mutex
	used     []bool
	lastUsed []time.Time

	idxMu      sync.RWMutex
	byPeer     map[PeerKey]uint16
	byTransfer map[PeerKey]uint16

	clock    clock.TimeProvider
	minReuse time.Duration
	gen      atomic.Uint64
	count    atomic.Int32
}

// NewTable creates an empty table.
func NewTable(tp clock.TimeProvider, minReuse time.Duration) *Table {
	if minReuse < 0 {
		minReuse = 0
	}
	return &Table{
		slots:      make([]slot, MaxCalls),
		used:       make([]bool, MaxCalls),
		lastUsed:   make([]time.Time, MaxCalls),
		byPeer:     make(map[PeerKey]uint16),
		byTransfer: make(map[PeerKey]uint16),
		clock:      clock.OrReal(tp),
		minReuse:   minReuse,
	}
}

// SetMinReuse changes the quiescence interval for future allocations.
func (t *Table) SetMinReuse(d time.Duration) {
	t.allocMu.Lock()
	t.minReuse = d
	t.allocMu.Unlock()
}

// Count returns the number of live sessions.
func (t *Table) Count() int { return int(t.count.Load()) }

// Lock locks the slot of callno.
func (t *Table) Lock(callno uint16) { t.slots[callno&frame.MaxCallNo].mu.Lock() }

// Unlock unlocks the slot of callno.
func (t *Table) Unlock(callno uint16) { t.slots[callno&frame.MaxCallNo].mu.Unlock() }

// UnlockSession unlocks the slot currently holding s. Use it where the
// session may have been moved to another call number.
func (t *Table) UnlockSession(s *Session) { t.Unlock(s.CallNo) }

// Get returns the session in callno's slot. The caller must hold the lock.
func (t *Table) Get(callno uint16) *Session {
	return t.slots[callno&frame.MaxCallNo].sess
}

// Acquire locks callno and returns its session if it is still generation
// gen. On a mismatch the slot is unlocked and nil returned.
func (t *Table) Acquire(callno uint16, gen uint64) *Session {
	t.Lock(callno)
	s := t.Get(callno)
	if s == nil || s.Gen != gen {
		t.Unlock(callno)
		return nil
	}
	return s
}

func bounds(trunk bool) (lo, hi int) {
	if trunk {
		return frame.TrunkCallStart, frame.MaxCallNo
	}
	return 1, frame.TrunkCallStart - 1
}

func (t *Table) reserve(trunk bool) (uint16, error) {
	now := t.clock.Now()
	lo, hi := bounds(trunk)

	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	for i := lo; i <= hi; i++ {
		if t.used[i] {
			continue
		}
		if !t.lastUsed[i].IsZero() && now.Sub(t.lastUsed[i]) < t.minReuse {
			continue
		}
		t.used[i] = true
		return uint16(i), nil
	}
	return 0, ErrNoFreeCallNumber
}

func (t *Table) unreserve(callno uint16) {
	t.allocMu.Lock()
	t.used[callno] = false
	t.lastUsed[callno] = t.clock.Now()
	t.allocMu.Unlock()
}

// Allocate reserves the lowest free call number and installs a new session
// for addr. The session is returned with its slot locked.
func (t *Table) Allocate(addr *net.UDPAddr, trunk bool) (*Session, error) {
	callno, err := t.reserve(trunk)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Table.Allocate",
			"trunk":    trunk,
			"sessions": t.Count(),
		}).Error("Call number space exhausted")
		return nil, err
	}

	s := &Session{
		CallNo:   callno,
		Gen:      t.gen.Add(1),
		UniqueID: uuid.NewString(),
		Addr:     addr,
		Created:  t.clock.Now(),
		PingTime: time.Second,
	}
	t.Lock(callno)
	t.slots[callno].sess = s
	t.count.Add(1)

	logrus.WithFields(logrus.Fields{
		"function": "Table.Allocate",
		"callno":   callno,
		"peer":     addrString(addr),
	}).Debug("Allocated call number")
	return s, nil
}

// SetPeer records the remote call number and address of s and indexes it.
// The caller holds the slot lock.
func (t *Table) SetPeer(s *Session, addr *net.UDPAddr, peerCallNo uint16) {
	t.idxMu.Lock()
	defer t.idxMu.Unlock()
	if s.PeerCallNo != 0 {
		old := KeyFor(s.Addr, s.PeerCallNo)
		if t.byPeer[old] == s.CallNo {
			delete(t.byPeer, old)
		}
	}
	s.Addr = addr
	s.PeerCallNo = peerCallNo
	if peerCallNo != 0 {
		t.byPeer[KeyFor(addr, peerCallNo)] = s.CallNo
	}
}

// SetTransferPeer indexes the transfer address and call number of s.
func (t *Table) SetTransferPeer(s *Session, addr *net.UDPAddr, callno uint16) {
	t.idxMu.Lock()
	defer t.idxMu.Unlock()
	if s.Transfer.Addr != nil {
		old := KeyFor(s.Transfer.Addr, s.Transfer.CallNo)
		if t.byTransfer[old] == s.CallNo {
			delete(t.byTransfer, old)
		}
	}
	s.Transfer.Addr = addr
	s.Transfer.CallNo = callno
	if addr != nil {
		t.byTransfer[KeyFor(addr, callno)] = s.CallNo
	}
}

// ClearTransferPeer removes the transfer index entry of s.
func (t *Table) ClearTransferPeer(s *Session) {
	t.SetTransferPeer(s, nil, 0)
}

// Release removes s from the table and starts its slot's quiescence
// interval. The caller holds the slot lock and keeps it.
func (t *Table) Release(s *Session) {
	if t.slots[s.CallNo].sess != s {
		return
	}
	t.idxMu.Lock()
	if s.PeerCallNo != 0 {
		k := KeyFor(s.Addr, s.PeerCallNo)
		if t.byPeer[k] == s.CallNo {
			delete(t.byPeer, k)
		}
	}
	if s.Transfer.Addr != nil {
		k := KeyFor(s.Transfer.Addr, s.Transfer.CallNo)
		if t.byTransfer[k] == s.CallNo {
			delete(t.byTransfer, k)
		}
	}
	t.idxMu.Unlock()

	t.slots[s.CallNo].sess = nil
	t.count.Add(-1)
	t.unreserve(s.CallNo)

	logrus.WithFields(logrus.Fields{
		"function": "Table.Release",
		"callno":   s.CallNo,
	}).Debug("Released call number")
}

// Promote moves s into the trunk range. The caller holds the lock of the
// old slot; on success that lock is released and the new slot is returned
// locked, with s.CallNo updated.
func (t *Table) Promote(s *Session) error {
	old := s.CallNo
	if old >= frame.TrunkCallStart {
		return ErrNotTrunkable
	}
	callno, err := t.reserve(true)
	if err != nil {
		return fmt.Errorf("promote %d: %w", old, err)
	}
	t.Lock(callno)

	t.idxMu.Lock()
	if s.PeerCallNo != 0 {
		t.byPeer[KeyFor(s.Addr, s.PeerCallNo)] = callno
	}
	if s.Transfer.Addr != nil {
		t.byTransfer[KeyFor(s.Transfer.Addr, s.Transfer.CallNo)] = callno
	}
	t.idxMu.Unlock()

	t.slots[callno].sess = s
	t.slots[old].sess = nil
	s.CallNo = callno
	s.Trunk = true
	t.unreserve(old)
	t.Unlock(old)

	logrus.WithFields(logrus.Fields{
		"function": "Table.Promote",
		"from":     old,
		"to":       callno,
	}).Debug("Moved call into trunk range")
	return nil
}

// Match describes an inbound frame for lookup.
type Match struct {
	Addr *net.UDPAddr
	// Src is the sender's call number, Dst ours (zero when unknown).
	Src uint16
	Dst uint16
	// Full is set for full frames, which may also match by destination.
	Full bool
}

// Find locates the session an inbound frame belongs to and returns it with
// its slot locked, or nil. Exact destination matches are tried first, then
// the peer index, then the transfer index.
func (t *Table) Find(m Match) *Session {
	if m.Full && m.Dst != 0 && m.Dst <= frame.MaxCallNo {
		t.Lock(m.Dst)
		if s := t.Get(m.Dst); s != nil && matches(s, m) {
			return s
		}
		t.Unlock(m.Dst)
	}
	if m.Src == 0 {
		return nil
	}

	t.idxMu.RLock()
	callno, ok := t.byPeer[KeyFor(m.Addr, m.Src)]
	tcallno, tok := t.byTransfer[KeyFor(m.Addr, m.Src)]
	t.idxMu.RUnlock()

	if ok {
		t.Lock(callno)
		if s := t.Get(callno); s != nil && s.PeerCallNo == m.Src && SameAddr(s.Addr, m.Addr) {
			return s
		}
		t.Unlock(callno)
	}
	if tok {
		t.Lock(tcallno)
		if s := t.Get(tcallno); s != nil && s.Transfer.CallNo == m.Src && SameAddr(s.Transfer.Addr, m.Addr) {
			return s
		}
		t.Unlock(tcallno)
	}
	return nil
}

func matches(s *Session, m Match) bool {
	if SameAddr(s.Addr, m.Addr) && (s.PeerCallNo == m.Src || s.PeerCallNo == 0) {
		return true
	}
	if s.Transfer.Addr != nil && SameAddr(s.Transfer.Addr, m.Addr) &&
		(s.Transfer.CallNo == m.Src || s.Transfer.CallNo == 0) {
		return true
	}
	return false
}

// Each calls fn for every live session with its slot locked.
func (t *Table) Each(fn func(s *Session)) {
	for i := 1; i < MaxCalls; i++ {
		t.slots[i].mu.Lock()
		if s := t.slots[i].sess; s != nil {
			fn(s)
		}
		t.slots[i].mu.Unlock()
	}
}

// LockPair locks two slots in canonical order and returns their sessions.
// Either may be nil. a and b must differ.
func (t *Table) LockPair(a, b uint16) (*Session, *Session) {
	if a < b {
		t.Lock(a)
		t.Lock(b)
	} else {
		t.Lock(b)
		t.Lock(a)
	}
	return t.Get(a), t.Get(b)
}

// UnlockPair releases a pair locked by LockPair.
func (t *Table) UnlockPair(a, b uint16) {
	t.Unlock(a)
	t.Unlock(b)
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
