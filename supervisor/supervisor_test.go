package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"rpcbridge/bridge"
	"rpcbridge/message"
	"rpcbridge/naming"
	"rpcbridge/registry"
	"rpcbridge/substrate"
)

// fakeRoute fails Start with the queued errors, then succeeds.
type fakeRoute struct {
	name string

	mu       sync.Mutex
	errs     []error
	starts   int
	lost     chan struct{}
	shutdown bool
}

func (r *fakeRoute) Name() string                { return r.name }
func (r *fakeRoute) Kind() string                { return "service" }
func (r *fakeRoute) Direction() bridge.Direction { return bridge.ZenohToROS }

func (r *fakeRoute) Start() (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return nil, err
	}
	r.lost = make(chan struct{})
	return r.lost, nil
}

func (r *fakeRoute) Stop() error { return nil }

func (r *fakeRoute) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
}

func (r *fakeRoute) lose() {
	r.mu.Lock()
	close(r.lost)
	r.mu.Unlock()
}

func newSupervisor(t *testing.T, reg registry.Registry) *Supervisor {
	return New(Options{
		Bridge:       "test",
		Registry:     reg,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
}

func run(t *testing.T, s *Supervisor) {
	t.Helper()
	go s.Run(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

func waitState(t *testing.T, s *Supervisor, name string, want State) RouteState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, ok := s.Route(name)
		if ok && st.State == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("route %s: expect %s, got %+v", name, want, st)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func transportErr(n int) error {
	return fmt.Errorf("%w: attempt %d refused", message.ErrTransport, n)
}

func TestSupervisorRetriesTransportErrors(t *testing.T) {
	r := &fakeRoute{name: "/add", errs: []error{transportErr(1), transportErr(2), transportErr(3)}}
	s := newSupervisor(t, nil)
	if err := s.Add(r); err != nil {
		t.Fatal(err)
	}
	run(t, s)

	waitState(t, s, "/add", Active)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.starts != 4 {
		t.Fatalf("expect 4 starts, got %d", r.starts)
	}
}

func TestSupervisorFatalError(t *testing.T) {
	bad := &fakeRoute{name: "/bad", errs: []error{fmt.Errorf("%w: bad token", message.ErrInvalidName)}}
	good := &fakeRoute{name: "/good"}
	s := newSupervisor(t, nil)
	s.Add(bad)
	s.Add(good)
	run(t, s)

	st := waitState(t, s, "/bad", Failed)
	if st.Error == "" {
		t.Fatal("failed route must carry its error")
	}
	waitState(t, s, "/good", Active)
	if s.Healthy() {
		t.Fatal("supervisor with a failed route must not be healthy")
	}
}

func TestSupervisorReestablishesLostRoute(t *testing.T) {
	r := &fakeRoute{name: "/add"}
	s := newSupervisor(t, nil)
	s.Add(r)
	run(t, s)

	waitState(t, s, "/add", Active)
	r.mu.Lock()
	r.errs = []error{transportErr(1), transportErr(2), transportErr(3), transportErr(4), transportErr(5)}
	r.mu.Unlock()
	r.lose()

	waitState(t, s, "/add", Degraded)
	st := waitState(t, s, "/add", Active)
	if st.Restarts != 1 {
		t.Fatalf("expect one restart, got %d", st.Restarts)
	}
	if !s.Healthy() {
		t.Fatal("expect healthy after recovery")
	}
}

func TestSupervisorStop(t *testing.T) {
	r := &fakeRoute{name: "/add"}
	reg := registry.NewMemory()
	s := newSupervisor(t, reg)
	s.Add(r)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitState(t, s, "/add", Active)

	routes, _ := reg.Discover(context.Background())
	if len(routes) != 1 || routes[0].State != string(Active) || routes[0].Bridge != "test" {
		t.Fatalf("unexpected registry content %+v", routes)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if st, _ := s.Route("/add"); st.State != Stopped {
		t.Fatalf("expect stopped, got %s", st.State)
	}
	r.mu.Lock()
	if !r.shutdown {
		t.Fatal("route not shut down")
	}
	r.mu.Unlock()
	if routes, _ := reg.Discover(context.Background()); len(routes) != 0 {
		t.Fatalf("stopped route still registered: %+v", routes)
	}
}

func TestSupervisorAdd(t *testing.T) {
	s := newSupervisor(t, nil)
	if s.Healthy() {
		t.Fatal("supervisor without routes must not be healthy")
	}
	s.Add(&fakeRoute{name: "/a"})
	if err := s.Add(&fakeRoute{name: "/a"}); err == nil {
		t.Fatal("expect error for duplicate route")
	}
	run(t, s)
	waitState(t, s, "/a", Active)
	if err := s.Add(&fakeRoute{name: "/b"}); err == nil {
		t.Fatal("expect error when adding while running")
	}
}

// A substrate fault on one service degrades only that route; the route
// comes back once the fault clears.
func TestSupervisorIsolatesServiceFaults(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	add := func(q substrate.Query) { q.Reply(q.Payload()) }
	ros.Register("/one", add)
	ros.Register("/two", add)

	s := newSupervisor(t, nil)
	for _, name := range []string{"one", "two"} {
		b, err := bridge.NewServiceBridge(bridge.ServiceRoute{Name: name, Direction: bridge.ZenohToROS}, ros, zenoh, &naming.Mapper{}, bridge.Options{Logger: zaptest.NewLogger(t)})
		if err != nil {
			t.Fatal(err)
		}
		s.Add(b)
	}
	run(t, s)
	waitState(t, s, "/one", Active)
	waitState(t, s, "/two", Active)

	zenoh.Fail("one", nil)
	waitState(t, s, "/one", Degraded)
	if st, _ := s.Route("/two"); st.State != Active {
		t.Fatalf("fault leaked to /two: %+v", st)
	}
	payload := []byte{0x00, 0x01, 0x00, 0x00, 0x2a}
	if _, err := zenoh.Call(context.Background(), "two", payload); err != nil {
		t.Fatalf("/two must keep serving: %v", err)
	}

	zenoh.Restore("one")
	waitState(t, s, "/one", Active)
	reply, err := zenoh.Call(context.Background(), "one", payload)
	if err != nil || len(reply) != len(payload) {
		t.Fatalf("expect echo after recovery, got %x, %v", reply, err)
	}
}

func TestSupervisorStopFailsPendingCalls(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	entered := make(chan struct{})
	ros.Register("/stuck", func(q substrate.Query) { close(entered) })
	b, _ := bridge.NewServiceBridge(bridge.ServiceRoute{Name: "stuck", Direction: bridge.ZenohToROS, Timeout: 10 * time.Second}, ros, zenoh, &naming.Mapper{}, bridge.Options{})

	s := newSupervisor(t, nil)
	s.Add(b)
	go s.Run(context.Background())
	waitState(t, s, "/stuck", Active)

	errc := make(chan error, 1)
	go func() {
		_, err := zenoh.Call(context.Background(), "stuck", []byte{0x00, 0x01, 0x00, 0x00})
		errc <- err
	}()
	<-entered
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; !errors.Is(err, message.ErrShuttingDown) {
		t.Fatalf("expect ShuttingDown, got %v", err)
	}
}
