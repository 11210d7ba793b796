package registry

import (
	"context"
	"testing"
)

func TestMemoryRegistry(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watch := m.Watch(ctx)

	m.Register(ctx, RouteStatus{Route: "/b", State: "Starting"}, 10)
	m.Register(ctx, RouteStatus{Route: "/a", State: "Active"}, 10)
	m.Register(ctx, RouteStatus{Route: "/b", State: "Degraded"}, 10)

	routes, _ := m.Discover(ctx)
	if len(routes) != 2 || routes[0].Route != "/a" || routes[1].State != "Degraded" {
		t.Fatalf("unexpected routes %+v", routes)
	}

	// Only the newest snapshot is buffered.
	latest := <-watch
	if len(latest) != 2 || latest[1].State != "Degraded" {
		t.Fatalf("watcher saw stale snapshot %+v", latest)
	}

	m.Deregister(ctx, "/a")
	if routes, _ := m.Discover(ctx); len(routes) != 1 {
		t.Fatalf("expect 1 route after deregister, got %d", len(routes))
	}

	cancel()
	for range watch {
	}
}
