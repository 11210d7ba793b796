package registry

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Registry. TTLs are ignored.
type Memory struct {
	mu       sync.Mutex
	routes   map[string]RouteStatus
	watchers map[chan []RouteStatus]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		routes:   make(map[string]RouteStatus),
		watchers: make(map[chan []RouteStatus]struct{}),
	}
}

func (m *Memory) Register(ctx context.Context, status RouteStatus, ttl int64) error {
	m.mu.Lock()
	m.routes[status.Route] = status
	m.notifyLocked()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Deregister(ctx context.Context, route string) error {
	m.mu.Lock()
	delete(m.routes, route)
	m.notifyLocked()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Discover(ctx context.Context) ([]RouteStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(), nil
}

func (m *Memory) snapshotLocked() []RouteStatus {
	routes := make([]RouteStatus, 0, len(m.routes))
	for _, st := range m.routes {
		routes = append(routes, st)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Route < routes[j].Route })
	return routes
}

// notifyLocked replaces any unread snapshot with the latest one, so slow
// watchers see the newest state instead of blocking writers.
func (m *Memory) notifyLocked() {
	snap := m.snapshotLocked()
	for ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (m *Memory) Watch(ctx context.Context) <-chan []RouteStatus {
	ch := make(chan []RouteStatus, 1)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

func (m *Memory) Close() error { return nil }
