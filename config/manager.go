package config

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Manager holds the current Snapshot and swaps it on reload. Readers call
// Current and keep the pointer for as long as they need a consistent view.
type Manager struct {
	path    string
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	listeners []func(old, new *Snapshot)
	v         *viper.Viper
}

// NewManager loads path and returns a manager holding it.
func NewManager(path string) (*Manager, error) {
	v, err := open(path)
	if err != nil {
		return nil, err
	}
	snap, err := decode(v)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, v: v}
	m.current.Store(snap)
	return m, nil
}

// NewStaticManager wraps a snapshot that is never reloaded.
func NewStaticManager(s *Snapshot) *Manager {
	m := &Manager{}
	m.current.Store(s)
	return m
}

// Current returns the active snapshot.
func (m *Manager) Current() *Snapshot { return m.current.Load() }

// OnChange registers fn to run after every successful reload.
func (m *Manager) OnChange(fn func(old, new *Snapshot)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Reload re-reads the file. A configuration that fails to compile is
// logged and the previous snapshot stays active.
func (m *Manager) Reload() error {
	if m.path == "" {
		return nil
	}
	v, err := open(m.path)
	if err != nil {
		return err
	}
	snap, err := decode(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.Reload",
			"file":     m.path,
			"error":    err.Error(),
		}).Error("Rejected configuration change")
		return err
	}
	m.swap(snap)
	return nil
}

// Set installs s directly.
func (m *Manager) Set(s *Snapshot) { m.swap(s) }

func (m *Manager) swap(s *Snapshot) {
	old := m.current.Swap(s)
	m.mu.Lock()
	listeners := append([]func(old, new *Snapshot){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(old, s)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Manager.swap",
		"users":    len(s.Users),
		"peers":    len(s.Peers),
	}).Info("Configuration reloaded")
}

// Watch reloads on file changes until ctx is done.
func (m *Manager) Watch(ctx context.Context) {
	if m.v == nil {
		<-ctx.Done()
		return
	}
	events := make(chan fsnotify.Event, 1)
	m.v.OnConfigChange(func(e fsnotify.Event) {
		select {
		case events <- e:
		default:
		}
	})
	m.v.WatchConfig()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "Manager.Watch",
				"file":     e.Name,
				"op":       e.Op.String(),
			}).Debug("Configuration file changed")
			_ = m.Reload()
		}
	}
}
