// Package supervisor keeps the routes of a bridge alive.
//
// Every route gets its own goroutine which declares it, watches for the
// loss of its declarations and re-establishes it with exponential backoff:
//
//	Starting --Start ok--> Active --lost--> Degraded --Start ok--> Active
//	    |                                      |
//	    +------- non-transport error ------> Failed
//
// Stop shuts every route down and moves it to Stopped. State changes are
// published to a registry and to the rpcbridge_route_state gauge.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"rpcbridge/bridge"
	"rpcbridge/message"
	"rpcbridge/registry"
)

// State is the lifecycle state of a supervised route.
type State string

const (
	Starting State = "starting"
	Active   State = "active"
	Degraded State = "degraded"
	Failed   State = "failed"
	Stopped  State = "stopped"
)

var allStates = []State{Starting, Active, Degraded, Failed, Stopped}

var metricRouteState = prom.NewGaugeVec(prom.GaugeOpts{
	Name: "rpcbridge_route_state",
	Help: "1 for the current state of each route, 0 otherwise.",
}, []string{"route", "state"})

func init() {
	prom.MustRegister(metricRouteState)
}

var errLost = errors.New("declaration lost")

const (
	DefaultInitialDelay = 100 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
	DefaultTTL          = 10 // seconds
)

// Options configure a Supervisor.
type Options struct {
	Bridge       string            // Bridge name used in registry entries
	Registry     registry.Registry // nil disables publication
	TTL          int64             // Registry lease in seconds
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

// RouteState is the externally visible state of one route.
type RouteState struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Direction string    `json:"direction"`
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	Error     string    `json:"error,omitempty"`
	Restarts  int       `json:"restarts"`
}

type entry struct {
	route bridge.Route
	state RouteState
}

// Supervisor runs a fixed set of routes.
type Supervisor struct {
	opts Options
	log  *zap.Logger

	mu      sync.RWMutex
	routes  []*entry
	byName  map[string]*entry
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = max(DefaultMaxDelay, opts.InitialDelay)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Supervisor{
		opts:   opts,
		log:    opts.Logger.Named("supervisor"),
		byName: make(map[string]*entry),
		done:   make(chan struct{}),
	}
}

// Add registers a route. Routes must be added before Run.
func (s *Supervisor) Add(r bridge.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("supervisor: cannot add routes while running")
	}
	if _, dup := s.byName[r.Name()]; dup {
		return fmt.Errorf("supervisor: route %s added twice", r.Name())
	}
	e := &entry{route: r, state: RouteState{
		Name:      r.Name(),
		Kind:      r.Kind(),
		Direction: string(r.Direction()),
		State:     Starting,
		Since:     s.opts.Clock.Now(),
	}}
	s.routes = append(s.routes, e)
	s.byName[r.Name()] = e
	return nil
}

// Run supervises every route until ctx is done or Stop is called, then
// shuts them down. It returns once every route is Stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor: already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	routes := append([]*entry(nil), s.routes...)
	s.mu.Unlock()
	defer close(s.done)

	s.log.Info("supervising routes", zap.Int("count", len(routes)))
	for _, e := range routes {
		s.mu.RLock()
		snap := e.state
		s.mu.RUnlock()
		s.report(snap)
	}
	var wg sync.WaitGroup
	for _, e := range routes {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			s.supervise(ctx, e)
		}(e)
	}
	wg.Wait()
	s.log.Info("all routes stopped")
	return nil
}

// Stop ends Run and waits for it to return or for ctx to be done.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, running := s.cancel, s.running
	s.mu.Unlock()
	if !running {
		return nil
	}
	cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) supervise(ctx context.Context, e *entry) {
	log := s.log.With(zap.String("route", e.route.Name()))
	defer func() {
		e.route.Shutdown()
		s.setState(e, Stopped, nil)
	}()

	next := Starting
	for {
		var lost <-chan struct{}
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				var err error
				lost, err = e.route.Start()
				return err
			},
			IsFatalError: func(err error) bool {
				return !message.IsRetryable(err)
			},
			NotifyFunc: func(err error, attempt int) {
				log.Warn("route not established", zap.Int("attempt", attempt), zap.Error(err))
				s.setState(e, next, err)
			},
			Attempts:    -1,
			Delay:       s.opts.InitialDelay,
			MaxDelay:    s.opts.MaxDelay,
			BackoffFunc: retry.DoubleDelay,
			Clock:       s.opts.Clock,
			Stop:        ctx.Done(),
		})
		if err != nil {
			if retry.IsRetryStopped(err) {
				return
			}
			log.Error("route failed", zap.Error(err))
			s.setState(e, Failed, err)
			<-ctx.Done()
			return
		}
		s.setState(e, Active, nil)
		log.Info("route active")

		select {
		case <-ctx.Done():
			return
		case <-lost:
		}
		log.Warn("route degraded, re-establishing")
		e.route.Stop()
		s.mu.Lock()
		e.state.Restarts++
		s.mu.Unlock()
		next = Degraded
		s.setState(e, Degraded, errLost)
	}
}

func (s *Supervisor) setState(e *entry, st State, err error) {
	s.mu.Lock()
	changed := e.state.State != st
	if changed {
		e.state.State = st
		e.state.Since = s.opts.Clock.Now()
	}
	e.state.Error = ""
	if err != nil {
		e.state.Error = err.Error()
	}
	snap := e.state
	s.mu.Unlock()
	if changed {
		s.report(snap)
	}
}

// report exports st to the gauge and the registry.
func (s *Supervisor) report(st RouteState) {
	for _, other := range allStates {
		v := 0.0
		if other == st.State {
			v = 1
		}
		metricRouteState.WithLabelValues(st.Name, string(other)).Set(v)
	}
	if s.opts.Registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var err error
	if st.State == Stopped {
		err = s.opts.Registry.Deregister(ctx, st.Name)
	} else {
		err = s.opts.Registry.Register(ctx, registry.RouteStatus{
			Bridge:    s.opts.Bridge,
			Route:     st.Name,
			Kind:      st.Kind,
			Direction: st.Direction,
			State:     string(st.State),
			Since:     st.Since,
			Error:     st.Error,
		}, s.opts.TTL)
	}
	if err != nil {
		s.log.Warn("registry update failed", zap.String("route", st.Name), zap.String("state", string(st.State)), zap.Error(err))
	}
}

// Routes returns the state of every route in the order they were added.
func (s *Supervisor) Routes() []RouteState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RouteState, 0, len(s.routes))
	for _, e := range s.routes {
		out = append(out, e.state)
	}
	return out
}

// Route returns the state of the named route.
func (s *Supervisor) Route(name string) (RouteState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byName[name]
	if !ok {
		return RouteState{}, false
	}
	return e.state, true
}

// Healthy reports whether every route is Active.
func (s *Supervisor) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.routes) == 0 {
		return false
	}
	for _, e := range s.routes {
		if e.state.State != Active {
			return false
		}
	}
	return true
}
