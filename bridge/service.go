package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rpcbridge/codec"
	"rpcbridge/message"
	"rpcbridge/naming"
	"rpcbridge/substrate"
)

// ServiceRoute configures one bridged service.
type ServiceRoute struct {
	Name      string // ROS service name
	Direction Direction
	Timeout   time.Duration
}

// ServiceBridge answers every call on the inbound side with exactly one
// reply, produced by a call of the same service on the outbound side.
type ServiceBridge struct {
	route  ServiceRoute
	local  string // name served on the inbound side
	remote string // name called on the outbound side
	in     substrate.Substrate
	relay  *relay
	corr   *Correlator
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	gate   gate
	regs   registrations
}

// NewServiceBridge validates the route and prepares the bridge. Nothing is
// declared until Start.
func NewServiceBridge(route ServiceRoute, ros, zenoh substrate.Substrate, mapper *naming.Mapper, opts Options) (*ServiceBridge, error) {
	opts = opts.withDefaults()
	route.Name = naming.Normalize(route.Name)
	if err := naming.ValidateROSName(route.Name); err != nil {
		return nil, err
	}
	if !route.Direction.Valid() {
		return nil, fmt.Errorf("%w: unknown direction %q for %s", message.ErrInvalidName, route.Direction, route.Name)
	}
	if route.Timeout <= 0 {
		route.Timeout = DefaultTimeout
	}
	key, err := mapper.ToZenoh(route.Name)
	if err != nil {
		return nil, err
	}

	in, out := ros, zenoh
	local, remote := route.Name, key
	if route.Direction == ZenohToROS {
		in, out = zenoh, ros
		local, remote = key, route.Name
	}
	log := opts.Logger.Named("service").With(zap.String("route", route.Name), zap.String("remote", remote))
	corr := NewCorrelator()
	ctx, cancel := context.WithCancel(context.Background())
	b := &ServiceBridge{
		route:  route,
		local:  local,
		remote: remote,
		in:     in,
		relay:  newRelay(route.Name, out, corr, route.Timeout, opts, log),
		corr:   corr,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	return b, nil
}

func (b *ServiceBridge) Name() string         { return b.route.Name }
func (b *ServiceBridge) Kind() string         { return "service" }
func (b *ServiceBridge) Direction() Direction { return b.route.Direction }

// Start declares the responder on the inbound side.
func (b *ServiceBridge) Start() (<-chan struct{}, error) {
	if b.gate.isClosed() {
		return nil, fmt.Errorf("%w: %s", message.ErrShuttingDown, b.route.Name)
	}
	reg, err := b.in.Register(b.local, b.gate.guard(b.route.Name, b.handle))
	if err != nil {
		return nil, err
	}
	b.regs.add(reg)
	b.log.Info("service route declared", zap.String("local", b.local))
	return b.regs.lost(), nil
}

func (b *ServiceBridge) Stop() error {
	b.regs.closeAll()
	return nil
}

// Shutdown fails in-flight calls with ShuttingDown, waits for their
// replies and withdraws the responder.
func (b *ServiceBridge) Shutdown() {
	if !b.gate.close() {
		return
	}
	b.corr.Close()
	b.cancel()
	b.gate.wait()
	b.regs.closeAll()
}

func (b *ServiceBridge) handle(q substrate.Query) {
	if _, err := codec.CheckEncapsulation(q.Payload()); err != nil {
		b.log.Debug("rejecting malformed request", zap.Error(err))
		q.ReplyErr(err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.route.Timeout)
	defer cancel()
	payload, err := b.relay.do(ctx, message.ServiceCorrelation(), b.remote, q.Payload())
	if err == nil {
		_, err = codec.CheckEncapsulation(payload)
	}
	if err != nil {
		if b.gate.isClosed() && !errors.Is(err, message.ErrShuttingDown) {
			err = fmt.Errorf("%w: %s: %v", message.ErrShuttingDown, b.route.Name, err)
		}
		q.ReplyErr(err)
		return
	}
	if err := q.Reply(payload); err != nil {
		b.log.Warn("reply refused", zap.Error(err))
	}
}
