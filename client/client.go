// Package client issues CDR queries against one or more Zenoh-side
// substrates, the way a Zenoh application would call bridged ROS services
// and actions.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"rpcbridge/codec"
	"rpcbridge/loadbalance"
	"rpcbridge/message"
	"rpcbridge/middleware"
	"rpcbridge/naming"
	"rpcbridge/substrate"
)

// Options configure a Client.
type Options struct {
	Timeout  time.Duration // Whole call, retries included; default 5s
	Retry    middleware.RetryPolicy
	Balancer loadbalance.Balancer // Picks a target per attempt; default round robin
	Logger   *zap.Logger
}

type Client struct {
	targets    map[string]substrate.Substrate // target for each router
	candidates []loadbalance.Candidate
	balancer   loadbalance.Balancer
	handler    middleware.HandlerFunc
	log        *zap.Logger
}

// New returns a Client spreading calls over targets, keyed by an id of the
// caller's choice (usually the router endpoint).
func New(targets map[string]substrate.Substrate, opts Options) (*Client, error) {
	if len(targets) == 0 {
		return nil, errors.New("client: no targets")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Balancer == nil {
		opts.Balancer, _ = loadbalance.New("")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		targets:  targets,
		balancer: opts.Balancer,
		log:      opts.Logger.Named("client"),
	}
	for id := range targets {
		c.candidates = append(c.candidates, loadbalance.Candidate{ID: id, Weight: 1})
	}
	sort.Slice(c.candidates, func(i, j int) bool { return c.candidates[i].ID < c.candidates[j].ID })
	c.handler = middleware.Chain(
		middleware.LoggingMiddleware(c.log),
		middleware.TimeoutMiddleware(opts.Timeout),
		middleware.RetryMiddleware(opts.Retry, c.log),
	)(c.send)
	return c, nil
}

func (c *Client) send(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
	// Pick a target, then query it
	cand, err := c.balancer.Pick(req.Key, c.candidates)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrTransport, err)
	}
	payload, err := c.targets[cand.ID].Call(ctx, req.Key, req.Payload)
	if err != nil {
		return nil, err
	}
	return &message.Envelope{Key: req.Key, Payload: payload}, nil
}

// CallRaw sends a complete CDR payload to key and returns the raw reply.
func (c *Client) CallRaw(ctx context.Context, key string, payload []byte) ([]byte, error) {
	if err := naming.ValidateKeyExpr(key); err != nil {
		return nil, err
	}
	if _, err := codec.CheckEncapsulation(payload); err != nil {
		return nil, err
	}
	resp, err := c.handler(ctx, &message.Envelope{Key: key, Payload: payload})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Call encodes args as CDR, queries key and decodes the reply into reply.
func (c *Client) Call(ctx context.Context, key string, args, reply any) error {
	payload, err := codec.Marshal(args)
	if err != nil {
		return err
	}
	data, err := c.CallRaw(ctx, key, payload)
	if err != nil {
		return err
	}
	return codec.Unmarshal(data, reply)
}

// SendGoal sends a goal to the action at key. goal must encode with the
// goal id first, like every send_goal request.
func (c *Client) SendGoal(ctx context.Context, key string, goal any) (message.SendGoalResponse, error) {
	var resp message.SendGoalResponse
	err := c.Call(ctx, key+naming.SuffixSendGoal, goal, &resp)
	return resp, err
}

// GetResult waits for the result of goal id and decodes it into result,
// whose first field receives the status code.
func (c *Client) GetResult(ctx context.Context, key string, id message.GoalID, result any) error {
	return c.Call(ctx, key+naming.SuffixGetResult, &message.GoalRequestHeader{GoalID: id}, result)
}

// CancelGoal asks the action at key to cancel goal id.
func (c *Client) CancelGoal(ctx context.Context, key string, id message.GoalID) (message.CancelGoalResponse, error) {
	var resp message.CancelGoalResponse
	err := c.Call(ctx, key+naming.SuffixCancelGoal, &message.CancelGoalRequest{GoalInfo: message.GoalInfo{GoalID: id}}, &resp)
	return resp, err
}
