package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rpcbridge/codec"
	"rpcbridge/message"
	"rpcbridge/naming"
	"rpcbridge/substrate"
)

// ActionRoute configures one bridged action. Zenoh clients drive a ROS
// action server.
type ActionRoute struct {
	Name    string        // ROS action name
	Timeout time.Duration // per send_goal and cancel_goal leg
}

// ActionBridge exposes a ROS action as Zenoh queryables and tracks every
// goal it forwarded.
type ActionBridge struct {
	route   ActionRoute
	names   naming.ActionNames
	ros     substrate.Domain
	zenoh   substrate.Domain
	goals   *GoalTable
	corr    *Correlator
	legs    *relay // send_goal and cancel_goal
	results *relay // watcher get_result
	opts    Options
	log     *zap.Logger

	feedback chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	regs   registrations
	gate   gate
	loops  sync.Once
}

func NewActionBridge(route ActionRoute, ros, zenoh substrate.Domain, mapper *naming.Mapper, opts Options) (*ActionBridge, error) {
	opts = opts.withDefaults()
	route.Name = naming.Normalize(route.Name)
	names, err := mapper.Action(route.Name)
	if err != nil {
		return nil, err
	}
	if route.Timeout <= 0 {
		route.Timeout = DefaultTimeout
	}
	log := opts.Logger.Named("action").With(zap.String("route", route.Name))
	corr := NewCorrelator()
	ctx, cancel := context.WithCancel(context.Background())
	goals := NewGoalTable(opts.Clock, opts.MaxGoals, opts.GoalRetention)
	goals.gauge = metricGoals.WithLabelValues(route.Name)
	return &ActionBridge{
		route:    route,
		names:    names,
		ros:      ros,
		zenoh:    zenoh,
		goals:    goals,
		corr:     corr,
		legs:     newRelay(route.Name, ros, corr, route.Timeout, opts, log),
		results:  newRelay(route.Name, ros, corr, opts.GoalTimeout, opts, log.Named("result")),
		opts:     opts,
		log:      log,
		feedback: make(chan []byte, opts.FeedbackQueueLen),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (b *ActionBridge) Name() string         { return b.route.Name }
func (b *ActionBridge) Kind() string         { return "action" }
func (b *ActionBridge) Direction() Direction { return ZenohToROS }

// Goals exposes the goal table of the route.
func (b *ActionBridge) Goals() *GoalTable { return b.goals }

// Start declares the Zenoh queryables and subscribes to the ROS feedback
// and status topics.
func (b *ActionBridge) Start() (<-chan struct{}, error) {
	if b.gate.isClosed() {
		return nil, fmt.Errorf("%w: %s", message.ErrShuttingDown, b.route.Name)
	}
	for name, h := range map[string]substrate.Handler{
		b.names.Zenoh.SendGoal:   b.handleSendGoal,
		b.names.Zenoh.CancelGoal: b.handleCancel,
		b.names.Zenoh.GetResult:  b.handleGetResult,
	} {
		reg, err := b.zenoh.Register(name, b.gate.guard(b.route.Name, h))
		if err != nil {
			b.regs.closeAll()
			return nil, err
		}
		b.regs.add(reg)
	}
	for name, fn := range map[string]func([]byte){
		b.names.ROS.Feedback: b.onFeedback,
		b.names.ROS.Status:   b.onStatus,
	} {
		reg, err := b.ros.Subscribe(name, fn)
		if err != nil {
			b.regs.closeAll()
			return nil, err
		}
		b.regs.add(reg)
	}
	b.loops.Do(func() {
		b.gate.spawn(b.pumpFeedback)
		b.gate.spawn(b.sweepLoop)
	})
	b.log.Info("action route declared", zap.String("key", b.names.Zenoh.Base))
	return b.regs.lost(), nil
}

func (b *ActionBridge) Stop() error {
	b.regs.closeAll()
	return nil
}

// Shutdown fails waiting get_result calls and in-flight legs with
// ShuttingDown, refuses new goals and waits for handlers and watchers to
// exit before withdrawing the queryables.
func (b *ActionBridge) Shutdown() {
	if !b.gate.close() {
		return
	}
	b.goals.Close()
	b.corr.Close()
	b.cancel()
	b.gate.wait()
	b.regs.closeAll()
}

func (b *ActionBridge) fail(q substrate.Query, err error) {
	if b.gate.isClosed() && !errors.Is(err, message.ErrShuttingDown) {
		err = fmt.Errorf("%w: %s: %v", message.ErrShuttingDown, b.route.Name, err)
	}
	q.ReplyErr(err)
}

func (b *ActionBridge) handleSendGoal(q substrate.Query) {
	id, err := codec.PeekGoalID(q.Payload())
	if err != nil {
		b.fail(q, err)
		return
	}
	if err := b.goals.Reserve(id); err != nil {
		if errors.Is(err, message.ErrResourceExhausted) {
			b.log.Error("goal table full", zap.Stringer("goal", id), zap.Int("max", b.opts.MaxGoals))
		}
		b.fail(q, err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.route.Timeout)
	defer cancel()
	resp, err := b.legs.do(ctx, message.ActionCorrelation(id, message.LegSendGoal), b.names.ROS.SendGoal, q.Payload())
	var sg message.SendGoalResponse
	if err == nil {
		err = codec.Unmarshal(resp, &sg)
	}
	if err != nil {
		b.goals.Drop(id)
		b.fail(q, err)
		return
	}
	if !sg.Accepted {
		b.goals.Drop(id)
		b.log.Debug("goal rejected", zap.Stringer("goal", id))
		q.Reply(resp)
		return
	}
	if err := b.goals.Accept(id); err != nil {
		b.fail(q, err)
		return
	}
	if !b.gate.spawn(func() { b.watch(id) }) {
		b.goals.Fail(id, message.ErrShuttingDown)
	}
	b.log.Debug("goal accepted", zap.Stringer("goal", id))
	q.Reply(resp)
}

// watch fetches the result of an accepted goal from the action server and
// stores it in the goal table.
func (b *ActionBridge) watch(id message.GoalID) {
	req, err := codec.Marshal(&message.GoalRequestHeader{GoalID: id})
	if err != nil {
		b.goals.Fail(id, err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.GoalTimeout)
	defer cancel()
	resp, err := b.results.do(ctx, message.ActionCorrelation(id, message.LegGetResult), b.names.ROS.GetResult, req)
	var hdr message.ResultHeader
	if err == nil {
		err = codec.Unmarshal(resp, &hdr)
	}
	if err == nil {
		status, ok := goalStatusFromROS(hdr.Status)
		if !ok || !status.Terminal() {
			err = fmt.Errorf("%w: get_result of %s returned status %d", message.ErrProtocol, id, hdr.Status)
		} else {
			err = b.goals.Complete(id, status, resp)
		}
	}
	if err != nil {
		b.log.Warn("goal result unavailable", zap.Stringer("goal", id), zap.Error(err))
		b.goals.Fail(id, err)
		return
	}
	b.log.Debug("goal finished", zap.Stringer("goal", id), zap.Int8("status", hdr.Status))
}

func (b *ActionBridge) handleGetResult(q substrate.Query) {
	id, err := codec.PeekGoalID(q.Payload())
	if err != nil {
		b.fail(q, err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.GetResultTimeout)
	defer cancel()
	rec, err := b.goals.Wait(ctx, id)
	if err != nil {
		b.fail(q, err)
		return
	}
	defer b.goals.Evict(id)
	if rec.Err != nil {
		b.fail(q, rec.Err)
		return
	}
	q.Reply(rec.Result)
}

func (b *ActionBridge) handleCancel(q substrate.Query) {
	var req message.CancelGoalRequest
	if err := codec.Unmarshal(q.Payload(), &req); err != nil {
		b.fail(q, err)
		return
	}
	id := req.GoalInfo.GoalID
	rec, ok := b.goals.Lookup(id)
	if !ok {
		b.fail(q, fmt.Errorf("%w: %s", message.ErrUnknownGoal, id))
		return
	}
	if !rec.Status.Cancelable() {
		b.fail(q, fmt.Errorf("%w: cannot cancel %s goal %s", message.ErrInvalidGoalState, rec.Status, id))
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.route.Timeout)
	defer cancel()
	resp, err := b.legs.do(ctx, message.ActionCorrelation(id, message.LegCancelGoal), b.names.ROS.CancelGoal, q.Payload())
	var cr message.CancelGoalResponse
	if err == nil {
		err = codec.Unmarshal(resp, &cr)
	}
	if err != nil {
		b.fail(q, err)
		return
	}
	if cr.ReturnCode == message.CancelErrorNone && listsGoal(cr.GoalsCanceling, id) {
		if err := b.goals.Transition(id, GoalCanceling); err != nil {
			b.log.Debug("cancel accepted but not applied", zap.Stringer("goal", id), zap.Error(err))
		}
	}
	q.Reply(resp)
}

func listsGoal(infos []message.GoalInfo, id message.GoalID) bool {
	for _, info := range infos {
		if info.GoalID == id {
			return true
		}
	}
	return false
}

func (b *ActionBridge) onFeedback(payload []byte) {
	id, err := codec.PeekGoalID(payload)
	if err != nil {
		b.log.Debug("ignoring malformed feedback", zap.Error(err))
		return
	}
	if rec, ok := b.goals.Lookup(id); !ok || rec.Status == GoalPending || rec.Status.Terminal() {
		return
	}
	select {
	case b.feedback <- payload:
	default:
		metricFeedbackDropped.WithLabelValues(b.route.Name).Inc()
		b.log.Debug("feedback queue full, dropping update", zap.Stringer("goal", id))
	}
}

func (b *ActionBridge) pumpFeedback() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case payload := <-b.feedback:
			ctx, cancel := context.WithTimeout(b.ctx, b.route.Timeout)
			if err := b.zenoh.Publish(ctx, b.names.Zenoh.Feedback, payload); err != nil {
				b.log.Warn("feedback not published", zap.Error(err))
			}
			cancel()
		}
	}
}

// onStatus applies the non-terminal transitions reported by the action
// server. Terminal states are only taken from get_result.
func (b *ActionBridge) onStatus(payload []byte) {
	var arr message.GoalStatusArray
	if err := codec.Unmarshal(payload, &arr); err != nil {
		b.log.Debug("ignoring malformed status", zap.Error(err))
		return
	}
	for _, st := range arr.StatusList {
		to, ok := goalStatusFromROS(st.Status)
		if !ok || to.Terminal() {
			continue
		}
		id := st.GoalInfo.GoalID
		rec, ok := b.goals.Lookup(id)
		if !ok || rec.Status == GoalPending || rec.Status == to {
			continue
		}
		if err := b.goals.Transition(id, to); err != nil {
			b.log.Debug("stale status", zap.Stringer("goal", id), zap.Error(err))
		}
	}
}

func (b *ActionBridge) sweepLoop() {
	interval := b.opts.GoalRetention / 2
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.opts.Clock.After(interval):
			if n := b.goals.Sweep(b.opts.Clock.Now()); n > 0 {
				b.log.Debug("evicted uncollected goals", zap.Int("count", n))
			}
		}
	}
}
