// Package dispatch runs inbound frame processing on a bounded set of worker
// goroutines: a fixed core that lives for the pool's lifetime plus dynamic
// workers created under load and retired after sitting idle.
package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// ErrPoolSaturated is reported when no worker can accept work.
	ErrPoolSaturated = errors.New("no idle worker")
	// ErrPoolClosed is reported after Close.
	ErrPoolClosed = errors.New("pool closed")
)

// Config sizes a Pool.
type Config struct {
	Fixed       int
	MaxDynamic  int
	IdleTimeout time.Duration
	// MaxDeferred bounds the work queued behind a busy worker for one key.
	MaxDeferred int
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Idle     int
	Busy     int
	Dynamic  int
	Dropped  uint64
	Deferred uint64
}

type worker struct {
	id       int
	dynamic  bool
	jobs     chan func()
	key      string
	deferred []func()
}

// Pool is a worker pool keyed by call so that frames of one call are never
// processed concurrently or out of order.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	idle     []*worker
	busy     map[string]*worker
	workers  int
	dynamic  int
	nextID   int
	closed   bool
	dropped  uint64
	deferred uint64

	warn *rate.Limiter
	wg   sync.WaitGroup
	quit chan struct{}

	// OnDrop, if set, is called for every dropped job.
	OnDrop func()
}

// New starts the fixed workers.
func New(cfg Config) *Pool {
	if cfg.Fixed < 1 {
		cfg.Fixed = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.MaxDeferred <= 0 {
		cfg.MaxDeferred = 32
	}
	p := &Pool{
		cfg:  cfg,
		busy: make(map[string]*worker),
		warn: rate.NewLimiter(rate.Every(10*time.Second), 1),
		quit: make(chan struct{}),
	}
	p.mu.Lock()
	for i := 0; i < cfg.Fixed; i++ {
		w := p.spawnLocked(false)
		p.idle = append(p.idle, w)
	}
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "dispatch.New",
		"fixed":       cfg.Fixed,
		"max_dynamic": cfg.MaxDynamic,
	}).Info("Worker pool started")
	return p
}

func (p *Pool) spawnLocked(dynamic bool) *worker {
	p.nextID++
	w := &worker{id: p.nextID, dynamic: dynamic, jobs: make(chan func(), 1)}
	p.workers++
	if dynamic {
		p.dynamic++
	}
	p.wg.Add(1)
	go p.run(w)
	return w
}

// Dispatch hands fn to a worker. When key is non-empty and a worker is
// already processing that key, fn is queued behind it. It returns
// ErrPoolSaturated when the work was dropped.
func (p *Pool) Dispatch(key string, fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if key != "" {
		if w, ok := p.busy[key]; ok {
			if len(w.deferred) >= p.cfg.MaxDeferred {
				p.mu.Unlock()
				p.drop(key)
				return ErrPoolSaturated
			}
			w.deferred = append(w.deferred, fn)
			p.deferred++
			p.mu.Unlock()
			return nil
		}
	}
	w := p.takeLocked()
	if w == nil {
		p.mu.Unlock()
		p.drop(key)
		return ErrPoolSaturated
	}
	w.key = key
	if key != "" {
		p.busy[key] = w
	}
	p.mu.Unlock()

	w.jobs <- fn
	return nil
}

// TryDispatch runs fn on any available worker, reporting false instead of
// dropping when none is free. It satisfies sched.Dispatcher.
func (p *Pool) TryDispatch(fn func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	w := p.takeLocked()
	p.mu.Unlock()
	if w == nil {
		return false
	}
	w.jobs <- fn
	return true
}

func (p *Pool) takeLocked() *worker {
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return w
	}
	if p.dynamic < p.cfg.MaxDynamic {
		return p.spawnLocked(true)
	}
	return nil
}

func (p *Pool) drop(key string) {
	p.mu.Lock()
	p.dropped++
	dropped := p.dropped
	p.mu.Unlock()

	if p.OnDrop != nil {
		p.OnDrop()
	}
	if p.warn.Allow() {
		logrus.WithFields(logrus.Fields{
			"function": "Pool.Dispatch",
			"key":      key,
			"dropped":  dropped,
		}).Warn("Out of worker threads, dropping frame")
	}
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()

	var idle *time.Timer
	var idleC <-chan time.Time
	if w.dynamic {
		idle = time.NewTimer(p.cfg.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case fn := <-w.jobs:
			p.work(w, fn)
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(p.cfg.IdleTimeout)
			}
		case <-idleC:
			if p.retire(w) {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		case <-p.quit:
			return
		}
	}
}

func (p *Pool) work(w *worker, fn func()) {
	for fn != nil {
		p.safeRun(w, fn)

		p.mu.Lock()
		if len(w.deferred) > 0 {
			fn = w.deferred[0]
			w.deferred[0] = nil
			w.deferred = w.deferred[1:]
			p.mu.Unlock()
			continue
		}
		fn = nil
		if w.key != "" && p.busy[w.key] == w {
			delete(p.busy, w.key)
		}
		w.key = ""
		w.deferred = nil
		if !p.closed {
			p.idle = append(p.idle, w)
		}
		p.mu.Unlock()
	}
}

func (p *Pool) safeRun(w *worker, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Pool.work",
				"worker":   w.id,
				"panic":    r,
			}).Error("Worker recovered from panic")
		}
	}()
	fn()
}

// retire removes an idle dynamic worker. It returns false if the worker was
// handed a job in the meantime.
func (p *Pool) retire(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, iw := range p.idle {
		if iw == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			p.workers--
			p.dynamic--
			logrus.WithFields(logrus.Fields{
				"function": "Pool.retire",
				"worker":   w.id,
			}).Debug("Retiring idle dynamic worker")
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:     len(p.idle),
		Busy:     p.workers - len(p.idle),
		Dynamic:  p.dynamic,
		Dropped:  p.dropped,
		Deferred: p.deferred,
	}
}

// Close stops every worker after its current job.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.idle = nil
	p.mu.Unlock()
	close(p.quit)
	p.wg.Wait()
}
