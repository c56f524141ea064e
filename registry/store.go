package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/iaxcore/clock"
)

// ErrNotFound is returned for a peer without a live binding.
var ErrNotFound = errors.New("binding not found")

// Binding is where a dynamic peer registered from.
type Binding struct {
	Peer       string    `json:"peer"`
	Addr       string    `json:"addr"`
	Refresh    int       `json:"refresh"`
	Registered time.Time `json:"registered"`
	Expires    time.Time `json:"expires"`
}

// Store persists peer bindings.
type Store interface {
	Put(ctx context.Context, b Binding) error
	Get(ctx context.Context, peer string) (Binding, error)
	Delete(ctx context.Context, peer string) error
	List(ctx context.Context) ([]Binding, error)
	Close() error
}

// MemoryStore keeps bindings in process.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	clock    clock.TimeProvider
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(tp clock.TimeProvider) *MemoryStore {
	return &MemoryStore{bindings: make(map[string]Binding), clock: clock.OrReal(tp)}
}

func (m *MemoryStore) Put(_ context.Context, b Binding) error {
	m.mu.Lock()
	m.bindings[b.Peer] = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, peer string) (Binding, error) {
	m.mu.RLock()
	b, ok := m.bindings[peer]
	m.mu.RUnlock()
	if !ok || !m.clock.Now().Before(b.Expires) {
		return Binding{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) Delete(_ context.Context, peer string) error {
	m.mu.Lock()
	delete(m.bindings, peer)
	m.mu.Unlock()
	return nil
}

// List returns live bindings sorted by peer, pruning expired ones.
func (m *MemoryStore) List(_ context.Context) ([]Binding, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Binding, 0, len(m.bindings))
	for k, b := range m.bindings {
		if !now.Before(b.Expires) {
			delete(m.bindings, k)
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
