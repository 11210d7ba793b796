package substrate

import (
	"context"
	"fmt"
	"sync"

	"rpcbridge/message"
)

// Memory is an in-process Domain. Calls run the handler in a new goroutine,
// publications are delivered synchronously to every subscriber.
//
// Fail and Restore inject transport faults per name, which tests use to
// break one route while others keep working.
type Memory struct {
	mu         sync.Mutex
	queryables map[string]*memRegistration
	subs       map[string]map[*memRegistration]func([]byte)
	faults     map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		queryables: make(map[string]*memRegistration),
		subs:       make(map[string]map[*memRegistration]func([]byte)),
		faults:     make(map[string]error),
	}
}

type memRegistration struct {
	m    *Memory
	name string
	sub  bool
	h    Handler
	done chan struct{}
	once sync.Once
}

func (r *memRegistration) Done() <-chan struct{} { return r.done }

func (r *memRegistration) Close() error {
	r.m.mu.Lock()
	r.m.removeLocked(r)
	r.m.mu.Unlock()
	return nil
}

func (m *Memory) removeLocked(r *memRegistration) {
	if r.sub {
		if set := m.subs[r.name]; set != nil {
			delete(set, r)
			if len(set) == 0 {
				delete(m.subs, r.name)
			}
		}
	} else if m.queryables[r.name] == r {
		delete(m.queryables, r.name)
	}
	r.once.Do(func() { close(r.done) })
}

func (m *Memory) Register(name string, h Handler) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults[name]; err != nil {
		return nil, err
	}
	if _, ok := m.queryables[name]; ok {
		return nil, fmt.Errorf("%w: %s already has a responder", message.ErrProtocol, name)
	}
	r := &memRegistration{m: m, name: name, h: h, done: make(chan struct{})}
	m.queryables[name] = r
	return r, nil
}

func (m *Memory) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	m.mu.Lock()
	fault := m.faults[name]
	r := m.queryables[name]
	m.mu.Unlock()
	if fault != nil {
		return nil, fault
	}
	if r == nil {
		return nil, fmt.Errorf("%w: no responder for %s", message.ErrTransport, name)
	}

	replies := make(chan *message.Envelope, 1)
	q := NewQuery(name, payload, func(env *message.Envelope) { replies <- env })
	go r.h(q)

	var env *message.Envelope
	select {
	case env = <-replies:
	case <-ctx.Done():
		return nil, message.FromContext(ctx.Err())
	case <-r.done:
		// A reply sent just before the responder left still counts.
		select {
		case env = <-replies:
		default:
			return nil, fmt.Errorf("%w: responder for %s went away", message.ErrTransport, name)
		}
	}
	if err := env.Err(); err != nil {
		return nil, err
	}
	return env.Payload, nil
}

func (m *Memory) Publish(ctx context.Context, name string, payload []byte) error {
	m.mu.Lock()
	if err := m.faults[name]; err != nil {
		m.mu.Unlock()
		return err
	}
	fns := make([]func([]byte), 0, len(m.subs[name]))
	for _, fn := range m.subs[name] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
	return nil
}

func (m *Memory) Subscribe(name string, fn func([]byte)) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults[name]; err != nil {
		return nil, err
	}
	r := &memRegistration{m: m, name: name, sub: true, done: make(chan struct{})}
	if m.subs[name] == nil {
		m.subs[name] = make(map[*memRegistration]func([]byte))
	}
	m.subs[name][r] = fn
	return r, nil
}

// Fail makes every operation on name fail with err (a TransportError when
// err is nil) and drops the registrations held on it.
func (m *Memory) Fail(name string, err error) {
	if err == nil {
		err = fmt.Errorf("%w: injected fault on %s", message.ErrTransport, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[name] = err
	if r := m.queryables[name]; r != nil {
		m.removeLocked(r)
	}
	for r := range m.subs[name] {
		m.removeLocked(r)
	}
}

// Restore clears a fault injected by Fail.
func (m *Memory) Restore(name string) {
	m.mu.Lock()
	delete(m.faults, name)
	m.mu.Unlock()
}

// Registered reports whether name currently has a responder.
func (m *Memory) Registered(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queryables[name]
	return ok
}
