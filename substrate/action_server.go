package substrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rpcbridge/codec"
	"rpcbridge/message"
	"rpcbridge/naming"
)

// ActionServerOptions configure ServeAction.
type ActionServerOptions struct {
	// Accept decides whether a goal is accepted. nil accepts every goal.
	Accept func(id message.GoalID, request []byte) bool
	// Execute runs an accepted goal in its own goroutine and must end with
	// ServerGoal.Finish.
	Execute func(ctx context.Context, g *ServerGoal)
}

// ActionServer plays the ROS side of an action over a Domain, using the
// <name>/_action/* service and topic layout of rclcpp.
type ActionServer struct {
	d     Domain
	names naming.ActionLegs
	opts  ActionServerOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	goals map[message.GoalID]*ServerGoal
	regs  []Registration
}

// ServerGoal is one goal held by an ActionServer.
type ServerGoal struct {
	ID      message.GoalID
	Request []byte // full send_goal request, header included
	Stamp   message.Time

	srv      *ActionServer
	status   int8
	response []byte
	done     chan struct{}
	canceled chan struct{}
}

// ServeAction registers the send_goal, cancel_goal and get_result services of
// the ROS action rosName on d.
func ServeAction(d Domain, rosName string, opts ActionServerOptions) (*ActionServer, error) {
	rosName = naming.Normalize(rosName)
	if err := naming.ValidateROSName(rosName); err != nil {
		return nil, err
	}
	names, err := (&naming.Mapper{}).Action(rosName)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &ActionServer{
		d:      d,
		names:  names.ROS,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		goals:  make(map[message.GoalID]*ServerGoal),
	}
	for name, h := range map[string]Handler{
		s.names.SendGoal:   s.handleSendGoal,
		s.names.CancelGoal: s.handleCancel,
		s.names.GetResult:  s.handleGetResult,
	} {
		reg, err := d.Register(name, h)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.regs = append(s.regs, reg)
	}
	return s, nil
}

// Close withdraws the action services and cancels running goals.
func (s *ActionServer) Close() error {
	s.cancel()
	s.mu.Lock()
	regs := s.regs
	s.regs = nil
	s.mu.Unlock()
	for _, r := range regs {
		r.Close()
	}
	return nil
}

func (s *ActionServer) handleSendGoal(q Query) {
	id, err := codec.PeekGoalID(q.Payload())
	if err != nil {
		q.ReplyErr(err)
		return
	}
	accepted := s.opts.Accept == nil || s.opts.Accept(id, q.Payload())

	s.mu.Lock()
	if _, dup := s.goals[id]; dup {
		accepted = false
	}
	now := time.Now()
	stamp := message.Time{Sec: int32(now.Unix()), Nanosec: uint32(now.Nanosecond())}
	var g *ServerGoal
	if accepted {
		g = &ServerGoal{
			ID:       id,
			Request:  q.Payload(),
			Stamp:    stamp,
			srv:      s,
			status:   message.StatusAccepted,
			done:     make(chan struct{}),
			canceled: make(chan struct{}),
		}
		s.goals[id] = g
	}
	s.mu.Unlock()

	resp, err := codec.Marshal(&message.SendGoalResponse{Accepted: accepted, Stamp: stamp})
	if err != nil {
		q.ReplyErr(err)
		return
	}
	q.Reply(resp)
	if g == nil {
		return
	}
	s.publishStatus()
	if s.opts.Execute != nil {
		go s.opts.Execute(s.ctx, g)
	}
}

func (s *ActionServer) handleGetResult(q Query) {
	id, err := codec.PeekGoalID(q.Payload())
	if err != nil {
		q.ReplyErr(err)
		return
	}
	s.mu.Lock()
	g := s.goals[id]
	s.mu.Unlock()
	if g == nil {
		resp, _ := codec.Marshal(&message.ResultHeader{Status: message.StatusUnknown})
		q.Reply(resp)
		return
	}
	select {
	case <-g.done:
		q.Reply(g.response)
	case <-s.ctx.Done():
		q.ReplyErr(fmt.Errorf("%w: action server stopped", message.ErrShuttingDown))
	}
}

func (s *ActionServer) handleCancel(q Query) {
	var req message.CancelGoalRequest
	if err := codec.Unmarshal(q.Payload(), &req); err != nil {
		q.ReplyErr(err)
		return
	}
	resp := message.CancelGoalResponse{ReturnCode: message.CancelErrorNone}

	s.mu.Lock()
	g := s.goals[req.GoalInfo.GoalID]
	switch {
	case g == nil:
		resp.ReturnCode = message.CancelUnknownGoalID
	case isTerminal(g.status):
		resp.ReturnCode = message.CancelGoalTerminated
	default:
		if g.status != message.StatusCanceling {
			g.status = message.StatusCanceling
			close(g.canceled)
		}
		resp.GoalsCanceling = []message.GoalInfo{{GoalID: g.ID, Stamp: g.Stamp}}
	}
	s.mu.Unlock()

	data, err := codec.Marshal(&resp)
	if err != nil {
		q.ReplyErr(err)
		return
	}
	q.Reply(data)
	if resp.ReturnCode == message.CancelErrorNone {
		s.publishStatus()
	}
}

func (s *ActionServer) publishStatus() {
	s.mu.Lock()
	arr := message.GoalStatusArray{StatusList: make([]message.GoalStatus, 0, len(s.goals))}
	for _, g := range s.goals {
		arr.StatusList = append(arr.StatusList, message.GoalStatus{
			GoalInfo: message.GoalInfo{GoalID: g.ID, Stamp: g.Stamp},
			Status:   g.status,
		})
	}
	s.mu.Unlock()
	if data, err := codec.Marshal(&arr); err == nil {
		s.d.Publish(s.ctx, s.names.Status, data)
	}
}

func isTerminal(status int8) bool {
	return status == message.StatusSucceeded || status == message.StatusCanceled || status == message.StatusAborted
}

// Canceled is closed once a cancel request for the goal was accepted.
func (g *ServerGoal) Canceled() <-chan struct{} { return g.canceled }

// Executing moves the goal to STATUS_EXECUTING and publishes it.
func (g *ServerGoal) Executing() {
	g.srv.mu.Lock()
	if g.status == message.StatusAccepted {
		g.status = message.StatusExecuting
	}
	g.srv.mu.Unlock()
	g.srv.publishStatus()
}

// PublishFeedback sends one feedback message. payload is the complete CDR
// feedback message, goal id first.
func (g *ServerGoal) PublishFeedback(payload []byte) error {
	return g.srv.d.Publish(g.srv.ctx, g.srv.names.Feedback, payload)
}

// Finish records the terminal status and the complete get_result response
// and releases waiting get_result calls.
func (g *ServerGoal) Finish(status int8, response []byte) {
	g.srv.mu.Lock()
	if isTerminal(g.status) {
		g.srv.mu.Unlock()
		return
	}
	g.status = status
	g.response = response
	close(g.done)
	g.srv.mu.Unlock()
	g.srv.publishStatus()
}
