// Package substrate defines the contracts the bridge consumes from the two
// middleware stacks it connects, and an in-process implementation of them.
//
// Both sides are modelled the same way: named responders (ROS service
// servers, Zenoh queryables) that receive a Query and reply at most once,
// one-shot calls against a name, and fire-and-forget publication for the
// action feedback and status streams.
package substrate

import (
	"context"
	"fmt"
	"sync"

	"rpcbridge/message"
)

// Query is one inbound request on a registered name.
type Query interface {
	Key() string
	Payload() []byte
	// Reply sends the CDR reply. Only the first Reply or ReplyErr is
	// delivered; later calls return ErrProtocol.
	Reply(payload []byte) error
	ReplyErr(err error) error
}

// Handler serves queries on a registered name. It may reply from any
// goroutine.
type Handler func(q Query)

// Registration is a live declaration. Done is closed when the declaration is
// lost, either by Close or because the substrate dropped it.
type Registration interface {
	Done() <-chan struct{}
	Close() error
}

// Substrate is the request/reply side of a middleware stack.
type Substrate interface {
	Register(name string, h Handler) (Registration, error)
	Call(ctx context.Context, name string, payload []byte) ([]byte, error)
}

// Publisher publishes samples on a topic or key.
type Publisher interface {
	Publish(ctx context.Context, name string, payload []byte) error
}

// Subscriber delivers samples published on name to fn. fn must not block.
type Subscriber interface {
	Subscribe(name string, fn func(payload []byte)) (Registration, error)
}

// Domain is a middleware stack offering every primitive the bridge uses.
type Domain interface {
	Substrate
	Publisher
	Subscriber
}

// NewQuery returns a Query whose first reply is passed to deliver.
func NewQuery(key string, payload []byte, deliver func(*message.Envelope)) Query {
	return &query{key: key, payload: payload, deliver: deliver}
}

type query struct {
	key     string
	payload []byte
	deliver func(*message.Envelope)

	mu      sync.Mutex
	replied bool
}

func (q *query) Key() string     { return q.key }
func (q *query) Payload() []byte { return q.payload }

func (q *query) Reply(payload []byte) error {
	return q.send(&message.Envelope{Key: q.key, Payload: payload})
}

func (q *query) ReplyErr(err error) error {
	return q.send(message.Failed(q.key, err))
}

func (q *query) send(env *message.Envelope) error {
	q.mu.Lock()
	if q.replied {
		q.mu.Unlock()
		return fmt.Errorf("%w: query on %s already answered", message.ErrProtocol, q.key)
	}
	q.replied = true
	q.mu.Unlock()
	q.deliver(env)
	return nil
}
