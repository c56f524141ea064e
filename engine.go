package iaxcore

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/iaxcore/auth"
	"github.com/opd-ai/iaxcore/clock"
	"github.com/opd-ai/iaxcore/config"
	"github.com/opd-ai/iaxcore/crypto"
	"github.com/opd-ai/iaxcore/dispatch"
	"github.com/opd-ai/iaxcore/events"
	"github.com/opd-ai/iaxcore/metrics"
	"github.com/opd-ai/iaxcore/pbx"
	"github.com/opd-ai/iaxcore/registry"
	"github.com/opd-ai/iaxcore/reliable"
	"github.com/opd-ai/iaxcore/sched"
	"github.com/opd-ai/iaxcore/session"
	"github.com/opd-ai/iaxcore/transport"
	"github.com/opd-ai/iaxcore/trunk"
)

// Options configures an Engine. Config and Transport are required; every
// other field has a usable default.
type Options struct {
	Config    *config.Manager
	Transport transport.Transport
	Clock     clock.TimeProvider

	// Dialplan answers extension lookups for inbound calls and DPREQ. A nil
	// dialplan accepts every extension.
	Dialplan pbx.Dialplan
	// Channels creates owners for inbound calls. Without it inbound calls
	// are accepted but their media is discarded.
	Channels pbx.ChannelFactory

	// Store persists registrar bindings; defaults to an in-memory store.
	Store   registry.Store
	Events  *events.Bus
	Metrics *metrics.Metrics
	// Keys holds RSA keys; loaded from general.keys_dir when nil.
	Keys *crypto.KeyRing

	// Inline processes datagrams on the caller's goroutine and runs timer
	// callbacks from the goroutine calling RunDue. Used for deterministic
	// tests and simulations.
	Inline bool
}

// Engine is an IAX2 protocol engine bound to one transport.
//
// Channel methods (Deliver, Hangup) are called with the call locked and
// must not call back into the Engine synchronously.
type Engine struct {
	cfg      *config.Manager
	tr       transport.Transport
	clock    clock.TimeProvider
	dialplan pbx.Dialplan
	channels pbx.ChannelFactory
	store    registry.Store
	events   *events.Bus
	metrics  *metrics.Metrics
	keys     *crypto.KeyRing

	table    *session.Table
	queue    *reliable.Queue
	sched    *sched.Scheduler
	pool     *dispatch.Pool
	trunk    *trunk.Aggregator
	throttle *auth.Throttle

	retryMu sync.Mutex
	retryID sched.ID
	retryAt time.Time

	regMu sync.Mutex
	regs  []*outboundReg

	peerMu sync.Mutex
	peers  map[string]*peerState

	timerMu    sync.Mutex
	trunkTimer sched.ID
	started    bool

	debug     atomic.Bool
	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	dropped   atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates an Engine. It does not start any I/O; call Run, or Start for
// an inline engine.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, ErrNoConfig
	}
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	snap := opts.Config.Current()
	g := snap.Config.General
	tp := clock.OrReal(opts.Clock)

	e := &Engine{
		cfg:      opts.Config,
		tr:       opts.Transport,
		clock:    tp,
		dialplan: opts.Dialplan,
		channels: opts.Channels,
		store:    opts.Store,
		events:   opts.Events,
		metrics:  opts.Metrics,
		keys:     opts.Keys,
		throttle: auth.NewThrottle(),
		peers:    make(map[string]*peerState),
	}
	if e.metrics == nil {
		e.metrics = metrics.New(prometheus.NewRegistry())
	}
	if e.store == nil {
		e.store = registry.NewMemoryStore(tp)
	}
	if e.keys == nil {
		keys, err := crypto.LoadKeyRing(g.KeysDir)
		if err != nil {
			return nil, err
		}
		e.keys = keys
	}

	var d sched.Dispatcher
	if !opts.Inline {
		e.pool = dispatch.New(dispatch.Config{
			Fixed:       g.Threads.Fixed,
			MaxDynamic:  g.Threads.MaxDynamic,
			IdleTimeout: g.Threads.IdleTimeout,
			MaxDeferred: g.Threads.Deferred,
		})
		d = e.pool
	}
	e.sched = sched.New(tp, d)
	e.queue = reliable.NewQueue(reliable.Config{
		MaxRetries: g.MaxRetries,
		MinRetry:   g.MinRetry,
		MaxRetry:   g.MaxRetry,
	}, tp)
	e.table = session.NewTable(tp, g.MinReuse)
	e.trunk = trunk.New(trunk.Config{
		Freq:       g.Trunk.Freq,
		MTU:        g.Trunk.MTU,
		MaxSize:    g.Trunk.MaxSize,
		Idle:       g.Trunk.Idle,
		Timestamps: g.Trunk.Timestamps,
	}, tp, e.sendTrunk)

	for _, r := range snap.Registrations {
		e.regs = append(e.regs, newOutboundReg(r))
	}
	for name, p := range snap.Peers {
		e.peers[name] = &peerState{name: name, addr: p.Addr, dynamic: p.Dynamic, status: initialStatus(p)}
	}
	e.cfg.OnChange(e.reconfigure)

	logrus.WithFields(logrus.Fields{
		"function":      "New",
		"users":         len(snap.Users),
		"peers":         len(snap.Peers),
		"registrations": len(snap.Registrations),
		"inline":        opts.Inline,
	}).Info("IAX2 engine created")
	return e, nil
}

// Run serves the transport and runs the scheduler until ctx is done or the
// transport fails. It calls Start once serving begins.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		err := e.tr.Serve(ctx, e.HandleDatagram)
		if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	})
	e.Start()
	logrus.WithFields(logrus.Fields{
		"function": "Engine.Run",
		"addr":     e.tr.LocalAddr().String(),
	}).Info("Engine running")
	return g.Wait()
}

// Start restores registrar bindings, sends outbound registrations, arms
// qualify probes and starts the trunk timer. It is idempotent.
func (e *Engine) Start() {
	e.timerMu.Lock()
	if e.started {
		e.timerMu.Unlock()
		return
	}
	e.started = true
	e.timerMu.Unlock()

	e.restoreBindings()
	e.registerAll()
	e.qualifyAll()
	e.armTrunk()
}

// RunDue runs every timer due by the engine clock and returns how many ran.
// Inline engines are driven with it.
func (e *Engine) RunDue() int {
	return e.sched.RunDue(e.clock.Now())
}

// Close hangs up every session, stops the worker pool and closes the
// transport.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.table.Each(func(s *session.Session) {
			if s.Kind == session.KindCall && s.Phase != session.PhaseGone && !s.AlreadyGone {
				e.sendHangup(s, "Shutting down", 0)
			}
			e.destroy(s)
		})

		e.timerMu.Lock()
		e.sched.Del(e.trunkTimer)
		e.timerMu.Unlock()

		if e.pool != nil {
			e.pool.Close()
		}
		err = e.tr.Close()
		logrus.WithFields(logrus.Fields{
			"function": "Engine.Close",
		}).Info("Engine closed")
	})
	return err
}

// LocalAddr returns the transport's address.
func (e *Engine) LocalAddr() net.Addr { return e.tr.LocalAddr() }

// Metrics returns the collectors the engine updates.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// SetDebug toggles per-frame debug logging.
func (e *Engine) SetDebug(on bool) { e.debug.Store(on) }

func (e *Engine) snap() *config.Snapshot { return e.cfg.Current() }

// reconfigure applies a reloaded configuration. Live sessions keep the
// snapshot they were created with.
func (e *Engine) reconfigure(old, new *config.Snapshot) {
	e.table.SetMinReuse(new.Config.General.MinReuse)
	e.syncPeers(new)
	e.syncRegistrations(new)
}

func (e *Engine) emit(t events.Type, fields map[string]string) {
	if e.events == nil {
		return
	}
	e.events.Emit(t, fields)
}
