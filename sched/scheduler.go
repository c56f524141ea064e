// Package sched is a timer service: a min-heap of deadlines drained by a
// single goroutine, which hands due callbacks to a worker pool when one is
// free and runs them inline otherwise.
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/opd-ai/iaxcore/clock"
	"github.com/sirupsen/logrus"
)

// ID identifies a scheduled callback. The zero ID is never issued.
type ID uint64

// Dispatcher accepts work for asynchronous execution. TryDispatch returns
// false when no worker can take it.
type Dispatcher interface {
	TryDispatch(fn func()) bool
}

type entry struct {
	id    ID
	when  time.Time
	fn    func()
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler runs callbacks at or after their deadline.
type Scheduler struct {
	mu       sync.Mutex
	heap     entryHeap
	byID     map[ID]*entry
	nextID   ID
	wake     chan struct{}
	clock    clock.TimeProvider
	dispatch Dispatcher
}

// New creates a scheduler. dispatch may be nil, in which case callbacks
// always run on the scheduler goroutine (or the RunDue caller).
func New(tp clock.TimeProvider, dispatch Dispatcher) *Scheduler {
	return &Scheduler{
		byID:     make(map[ID]*entry),
		wake:     make(chan struct{}, 1),
		clock:    clock.OrReal(tp),
		dispatch: dispatch,
	}
}

// Add schedules fn to run after d.
func (s *Scheduler) Add(d time.Duration, fn func()) ID {
	return s.AddAt(s.clock.Now().Add(d), fn)
}

// AddAt schedules fn to run at when.
func (s *Scheduler) AddAt(when time.Time, fn func()) ID {
	s.mu.Lock()
	s.nextID++
	e := &entry{id: s.nextID, when: when, fn: fn}
	heap.Push(&s.heap, e)
	s.byID[e.id] = e
	first := s.heap[0] == e
	s.mu.Unlock()

	if first {
		s.poke()
	}
	return e.id
}

// Del cancels a pending callback. It reports whether the callback was still
// pending; a callback that already started is not interrupted.
func (s *Scheduler) Del(id ID) bool {
	if id == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, e.index)
	delete(s.byID, id)
	return true
}

// Replace cancels id (if pending) and schedules fn after d.
func (s *Scheduler) Replace(id ID, d time.Duration, fn func()) ID {
	s.Del(id)
	return s.Add(d, fn)
}

// Pending reports whether id is still scheduled.
func (s *Scheduler) Pending(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// When returns the deadline of a pending callback.
func (s *Scheduler) When(id ID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return time.Time{}, false
	}
	return e.when, true
}

// Len returns the number of pending callbacks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Next returns the time until the earliest deadline.
func (s *Scheduler) Next() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return 0, false
	}
	return s.heap[0].when.Sub(s.clock.Now()), true
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunDue executes every callback whose deadline is not after now and
// returns how many ran. Callbacks are dispatched if possible, else run
// inline; the lock is never held while a callback runs.
func (s *Scheduler) RunDue(now time.Time) int {
	n := 0
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].when.After(now) {
			s.mu.Unlock()
			return n
		}
		e := heap.Pop(&s.heap).(*entry)
		delete(s.byID, e.id)
		s.mu.Unlock()

		n++
		if s.dispatch != nil && s.dispatch.TryDispatch(e.fn) {
			continue
		}
		e.fn()
	}
}

// Run drains the heap until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	logrus.WithFields(logrus.Fields{
		"function": "Scheduler.Run",
	}).Debug("Scheduler started")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.RunDue(s.clock.Now())

		wait := time.Hour
		if d, ok := s.Next(); ok {
			wait = d
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"function": "Scheduler.Run",
				"pending":  s.Len(),
			}).Debug("Scheduler stopped")
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
