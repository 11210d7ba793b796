// Package bridge translates RPC between the ROS side and the Zenoh side.
//
// A ServiceBridge answers calls on one side by issuing the same call on the
// other. An ActionBridge exposes a ROS action as Zenoh queryables and keeps
// a record per goal so that get-result and cancel requests can be checked
// and correlated. Both hand their outbound calls to a relay, which applies
// the middleware chain and correlation tokens.
package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"rpcbridge/message"
	"rpcbridge/middleware"
	"rpcbridge/substrate"
)

// Direction tells which side of a service route the callers are on.
type Direction string

const (
	ROSToZenoh Direction = "ros_to_zenoh"
	ZenohToROS Direction = "zenoh_to_ros"
)

func (d Direction) Valid() bool {
	return d == ROSToZenoh || d == ZenohToROS
}

const (
	DefaultTimeout          = 5 * time.Second
	DefaultGoalTimeout      = 10 * time.Minute
	DefaultGoalRetention    = 60 * time.Second
	DefaultMaxGoals         = 1024
	DefaultFeedbackQueueLen = 64
)

// Options are shared by every route of a bridge.
type Options struct {
	Logger *zap.Logger
	Clock  clock.Clock

	Retry middleware.RetryPolicy
	Rate  float64 // Outbound calls per second, 0 for unlimited
	Burst int

	GetResultTimeout time.Duration // How long a get-result request waits
	GoalTimeout      time.Duration // How long the bridge waits for a goal to finish
	GoalRetention    time.Duration // Lifetime of uncollected terminal records
	MaxGoals         int
	FeedbackQueueLen int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.GetResultTimeout <= 0 {
		o.GetResultTimeout = DefaultTimeout
	}
	if o.GoalTimeout <= 0 {
		o.GoalTimeout = DefaultGoalTimeout
	}
	if o.GoalRetention <= 0 {
		o.GoalRetention = DefaultGoalRetention
	}
	if o.MaxGoals <= 0 {
		o.MaxGoals = DefaultMaxGoals
	}
	if o.FeedbackQueueLen <= 0 {
		o.FeedbackQueueLen = DefaultFeedbackQueueLen
	}
	return o
}

// Route is one bridged service or action as seen by the supervisor.
type Route interface {
	Name() string
	Kind() string // "service" or "action"
	Direction() Direction
	// Start declares the route's responders. The returned channel is closed
	// when any of them is lost.
	Start() (<-chan struct{}, error)
	// Stop withdraws the responders; Start may be called again.
	Stop() error
	// Shutdown fails in-flight calls with ShuttingDown and refuses new
	// ones. It is final.
	Shutdown()
}

// registrations is the set of live declarations of one route.
type registrations struct {
	mu   sync.Mutex
	regs []substrate.Registration
}

func (r *registrations) add(reg substrate.Registration) {
	r.mu.Lock()
	r.regs = append(r.regs, reg)
	r.mu.Unlock()
}

// lost returns a channel closed as soon as any current registration is
// done.
func (r *registrations) lost() <-chan struct{} {
	r.mu.Lock()
	regs := append([]substrate.Registration(nil), r.regs...)
	r.mu.Unlock()

	out := make(chan struct{})
	var once sync.Once
	for _, reg := range regs {
		go func(done <-chan struct{}) {
			<-done
			once.Do(func() { close(out) })
		}(reg.Done())
	}
	return out
}

func (r *registrations) closeAll() {
	r.mu.Lock()
	regs := r.regs
	r.regs = nil
	r.mu.Unlock()
	for _, reg := range regs {
		reg.Close()
	}
}

// gate counts the handlers and goroutines running for a route and refuses
// new ones once closed.
type gate struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (g *gate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *gate) leave() { g.wg.Done() }

// close reports whether this call closed the gate.
func (g *gate) close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	was := g.closed
	g.closed = true
	return !was
}

func (g *gate) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *gate) wait() { g.wg.Wait() }

// guard wraps h so that queries arriving after close are refused with
// ShuttingDown.
func (g *gate) guard(route string, h substrate.Handler) substrate.Handler {
	return func(q substrate.Query) {
		if !g.enter() {
			q.ReplyErr(fmt.Errorf("%w: %s", message.ErrShuttingDown, route))
			return
		}
		defer g.leave()
		h(q)
	}
}

// spawn runs fn in a goroutine tracked by the gate.
func (g *gate) spawn(fn func()) bool {
	if !g.enter() {
		return false
	}
	go func() {
		defer g.leave()
		fn()
	}()
	return true
}
