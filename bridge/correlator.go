package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"rpcbridge/message"
)

// ErrLateReply reports a reply that arrived after its caller gave up.
var ErrLateReply = errors.New("late reply")

// maxTombstones bounds the memory kept for abandoned calls.
const maxTombstones = 4096

// Correlator hands out correlation tokens for outbound calls and matches
// replies to them. A token is answered at most once: the first Resolve wins,
// a reply for a retired token is reported as late, and anything else is a
// protocol violation.
type Correlator struct {
	mu         sync.Mutex
	next       uint64
	pending    map[uint64]*Ticket
	tombstones map[uint64]message.Correlation
	order      []uint64 // Tombstones in retirement order
	closed     bool
}

// Ticket is one reserved token.
type Ticket struct {
	Tag   message.Correlation
	c     *Correlator
	reply chan outcome
}

type outcome struct {
	payload []byte
	err     error
}

func NewCorrelator() *Correlator {
	return &Correlator{
		pending:    make(map[uint64]*Ticket),
		tombstones: make(map[uint64]message.Correlation),
	}
}

// Reserve allocates the next token for tag.
func (c *Correlator) Reserve(tag message.Correlation) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: correlator closed", message.ErrShuttingDown)
	}
	c.next++
	tag.Token = c.next
	t := &Ticket{Tag: tag, c: c, reply: make(chan outcome, 1)}
	c.pending[tag.Token] = t
	return t, nil
}

// Resolve delivers the outcome of the call behind token.
func (c *Correlator) Resolve(token uint64, payload []byte, err error) error {
	c.mu.Lock()
	t := c.pending[token]
	delete(c.pending, token)
	tag, late := c.tombstones[token]
	delete(c.tombstones, token)
	c.mu.Unlock()

	switch {
	case t != nil:
		t.reply <- outcome{payload: payload, err: err}
		return nil
	case late:
		return fmt.Errorf("%w for %s", ErrLateReply, tag)
	}
	return fmt.Errorf("%w: token %d is not awaiting a reply", message.ErrProtocol, token)
}

// Await blocks until the ticket is resolved or ctx is done.
func (t *Ticket) Await(ctx context.Context) ([]byte, error) {
	select {
	case o := <-t.reply:
		return o.payload, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", message.ErrTimeout, t.Tag, ctx.Err())
	}
}

// Retire releases the token. A token that was never resolved leaves a
// tombstone so its eventual reply is recognised as late.
func (t *Ticket) Retire() {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[t.Tag.Token]; !ok {
		return
	}
	delete(c.pending, t.Tag.Token)
	c.tombstones[t.Tag.Token] = t.Tag
	c.order = append(c.order, t.Tag.Token)
	for len(c.order) > maxTombstones {
		delete(c.tombstones, c.order[0])
		c.order = c.order[1:]
	}
}

// Pending returns the number of unresolved tokens.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending ticket with ShuttingDown and refuses new
// reservations.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]*Ticket)
	c.mu.Unlock()
	for _, t := range pending {
		t.reply <- outcome{err: fmt.Errorf("%w: %s abandoned", message.ErrShuttingDown, t.Tag)}
	}
}
