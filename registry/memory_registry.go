package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and single-host setups.
// TTLs are ignored; entries live until deregistered.
type MemoryRegistry struct {
	mu       sync.RWMutex
	groups   map[string]map[string]NodeInstance
	watchers map[string][]chan []NodeInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		groups:   make(map[string]map[string]NodeInstance),
		watchers: make(map[string][]chan []NodeInstance),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, instance NodeInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[instance.Group]
	if !ok {
		g = make(map[string]NodeInstance)
		m.groups[instance.Group] = g
	}
	g[instance.Addr] = instance
	m.notifyLocked(instance.Group)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, group string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups[group], addr)
	m.notifyLocked(group)
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, group string) ([]NodeInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(group), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, group string) <-chan []NodeInstance {
	ch := make(chan []NodeInstance, 1)
	m.mu.Lock()
	m.watchers[group] = append(m.watchers[group], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[group]
		for i, w := range ws {
			if w == ch {
				m.watchers[group] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *MemoryRegistry) listLocked(group string) []NodeInstance {
	out := make([]NodeInstance, 0, len(m.groups[group]))
	for _, inst := range m.groups[group] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notifyLocked replaces any unread snapshot so watchers see the latest list.
func (m *MemoryRegistry) notifyLocked(group string) {
	list := m.listLocked(group)
	for _, ch := range m.watchers[group] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
