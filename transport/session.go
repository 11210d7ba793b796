// Package transport implements the session side of the router protocol.
//
// A Session multiplexes every declaration, query and publication of one
// bridge side over a single connection to a router. Each outbound exchange
// gets a unique sequence number and a buffered channel in the pending map; a
// single goroutine (recvLoop) reads frames and routes replies back to their
// callers, queries to the declared handler and publications to subscribers.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single conn ──→ Router
//	goroutine-3 ──Call(seq=3)──┘
//
//	recvLoop:  ←── Reply(seq=2) → pending[2] ← reply → goroutine-2 wakes up
//
// The connection is dialed lazily and re-dialed by the next operation after
// it breaks. A broken connection fails every pending exchange with a
// TransportError and closes the Done channel of every registration, which is
// how the bridge supervisor learns that routes must be re-established.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rpcbridge/codec"
	"rpcbridge/message"
	"rpcbridge/protocol"
	"rpcbridge/substrate"
)

// Options tune a Session. Zero values select the defaults.
type Options struct {
	Codec       codec.CodecType // Envelope codec for outbound frames (default Binary)
	DialTimeout time.Duration   // Also bounds declaration acknowledgements (default 5s)
	Heartbeat   time.Duration   // Heartbeat interval (default 30s)
	Logger      *zap.Logger
}

// Session is a substrate.Domain backed by a router connection.
type Session struct {
	endpoint *url.URL
	opts     Options
	log      *zap.Logger

	seq     atomic.Uint32
	pending sync.Map // map[uint32]chan *message.Envelope

	mu       sync.Mutex
	link     *link
	handlers map[string]*registration
	subs     map[string]map[*registration]func([]byte)
	closed   bool
}

var _ substrate.Domain = (*Session)(nil)

// link is one live connection. Writes are serialised so frames from
// different goroutines never interleave on the stream.
type link struct {
	conn    net.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

type registration struct {
	s    *Session
	name string
	sub  bool
	h    substrate.Handler
	done chan struct{}
	once sync.Once
}

func (r *registration) Done() <-chan struct{} { return r.done }

func (r *registration) Close() error {
	r.s.release(r, true)
	return nil
}

func (r *registration) closeDone() {
	r.once.Do(func() { close(r.done) })
}

// NewSession validates endpoint (tcp://host:port, ws://host:port/path or a
// bare host:port) and returns an unconnected Session.
func NewSession(endpoint string, opts Options) (*Session, error) {
	u, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if !opts.Codec.Valid() {
		opts.Codec = codec.CodecTypeBinary
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		endpoint: u,
		opts:     opts,
		log:      log.With(zap.String("endpoint", u.String())),
		handlers: make(map[string]*registration),
		subs:     make(map[string]map[*registration]func([]byte)),
	}, nil
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		// host:port without a scheme
		if _, _, splitErr := net.SplitHostPort(endpoint); splitErr == nil {
			return &url.URL{Scheme: "tcp", Host: endpoint}, nil
		}
		return nil, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	switch u.Scheme {
	case "tcp", "ws", "wss":
		return u, nil
	}
	return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
}

// Endpoint returns the normalised router address.
func (s *Session) Endpoint() string { return s.endpoint.String() }

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()
	if s.endpoint.Scheme == "tcp" {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", s.endpoint.Host)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, s.endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	return protocol.NewWSConn(ws), nil
}

// connect returns the live link, dialing one if needed.
func (s *Session) connect(ctx context.Context) (*link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", message.ErrShuttingDown)
	}
	if s.link != nil {
		return s.link, nil
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", message.ErrTransport, s.endpoint, err)
	}
	l := &link{conn: conn, done: make(chan struct{})}
	s.link = l
	go s.recvLoop(l)
	go s.heartbeatLoop(l)
	s.log.Info("session connected")
	return l, nil
}

func (s *Session) write(l *link, mt protocol.MsgType, seq uint32, env *message.Envelope) error {
	body, err := codec.GetCodec(s.opts.Codec).Encode(env)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	err = protocol.Encode(l.conn, &protocol.Header{
		CodecType: byte(s.opts.Codec),
		MsgType:   mt,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}, body)
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", message.ErrTransport, mt, err)
	}
	return nil
}

// exchange sends a frame and waits for the Reply carrying the same seq.
func (s *Session) exchange(ctx context.Context, l *link, mt protocol.MsgType, env *message.Envelope) (*message.Envelope, error) {
	seq := s.seq.Add(1)
	// Register the reply channel before writing to avoid racing recvLoop.
	ch := make(chan *message.Envelope, 1)
	s.pending.Store(seq, ch)

	if err := s.write(l, mt, seq, env); err != nil {
		s.pending.Delete(seq)
		return nil, err
	}
	select {
	case reply := <-ch:
		if err := reply.Err(); err != nil {
			return nil, err
		}
		return reply, nil
	case <-ctx.Done():
		s.pending.Delete(seq)
		return nil, message.FromContext(ctx.Err())
	}
}

// recvLoop runs in a dedicated goroutine per connection. Reads must be
// sequential to parse frame boundaries.
func (s *Session) recvLoop(l *link) {
	for {
		header, body, err := protocol.Decode(l.conn)
		if err != nil {
			s.connLost(l, err)
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		var env message.Envelope
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &env); err != nil {
			s.log.Warn("dropping undecodable frame", zap.Stringer("type", header.MsgType), zap.Error(err))
			continue
		}

		switch header.MsgType {
		case protocol.MsgTypeReply:
			if ch, ok := s.pending.LoadAndDelete(header.Seq); ok {
				ch.(chan *message.Envelope) <- &env
			} else {
				s.log.Warn("discarding late reply", zap.Uint32("seq", header.Seq), zap.String("key", env.Key))
			}
		case protocol.MsgTypeQuery:
			s.serve(l, header.Seq, &env)
		case protocol.MsgTypePut:
			s.deliver(&env)
		}
	}
}

// serve hands a routed query to its declared handler in a new goroutine.
func (s *Session) serve(l *link, seq uint32, env *message.Envelope) {
	s.mu.Lock()
	reg := s.handlers[env.Key]
	s.mu.Unlock()
	if reg == nil {
		err := fmt.Errorf("%w: no queryable for %s in this session", message.ErrTransport, env.Key)
		s.write(l, protocol.MsgTypeReply, seq, message.Failed(env.Key, err))
		return
	}
	q := substrate.NewQuery(env.Key, env.Payload, func(reply *message.Envelope) {
		if err := s.write(l, protocol.MsgTypeReply, seq, reply); err != nil {
			s.log.Debug("reply not sent", zap.String("key", env.Key), zap.Error(err))
		}
	})
	go reg.h(q)
}

func (s *Session) deliver(env *message.Envelope) {
	s.mu.Lock()
	fns := make([]func([]byte), 0, len(s.subs[env.Key]))
	for _, fn := range s.subs[env.Key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(env.Payload)
	}
}

// connLost tears down a broken link: every pending caller gets a
// TransportError and every registration is released.
func (s *Session) connLost(l *link, cause error) {
	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	s.link = nil
	close(l.done)
	var regs []*registration
	for name, r := range s.handlers {
		regs = append(regs, r)
		delete(s.handlers, name)
	}
	for name, set := range s.subs {
		for r := range set {
			regs = append(regs, r)
		}
		delete(s.subs, name)
	}
	closed := s.closed
	s.mu.Unlock()

	l.conn.Close()
	s.closeAllPending(cause)
	for _, r := range regs {
		r.closeDone()
	}
	if !closed {
		s.log.Warn("session lost", zap.Error(cause), zap.Int("registrations", len(regs)))
	}
}

func (s *Session) closeAllPending(cause error) {
	err := fmt.Errorf("%w: connection lost: %v", message.ErrTransport, cause)
	s.pending.Range(func(key, value any) bool {
		if _, ok := s.pending.LoadAndDelete(key); ok {
			value.(chan *message.Envelope) <- message.Failed("", err)
		}
		return true
	})
}

// heartbeatLoop sends periodic heartbeat frames so that a dead connection
// is noticed by a failing write even when the session is idle.
func (s *Session) heartbeatLoop(l *link) {
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := protocol.Encode(l.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
			l.writeMu.Unlock()
			if err != nil {
				s.connLost(l, err)
				return
			}
		}
	}
}

// Register declares a queryable on name. Queries the router forwards for
// name are passed to h in their own goroutine.
func (s *Session) Register(name string, h substrate.Handler) (substrate.Registration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DialTimeout)
	defer cancel()
	l, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	r := &registration{s: s, name: name, h: h, done: make(chan struct{})}
	s.mu.Lock()
	if _, ok := s.handlers[name]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already declared in this session", message.ErrProtocol, name)
	}
	s.handlers[name] = r
	s.mu.Unlock()

	if _, err := s.exchange(ctx, l, protocol.MsgTypeDeclare, &message.Envelope{Key: name}); err != nil {
		s.release(r, false)
		if message.CodeOf(err) == message.CodeTimeout {
			err = fmt.Errorf("%w: declaring %s: %v", message.ErrTransport, name, err)
		}
		return nil, err
	}
	s.log.Debug("queryable declared", zap.String("key", name))
	return r, nil
}

// Call sends one query and waits for its reply.
func (s *Session) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	l, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	reply, err := s.exchange(ctx, l, protocol.MsgTypeQuery, &message.Envelope{Key: name, Payload: payload})
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

func (s *Session) Publish(ctx context.Context, name string, payload []byte) error {
	l, err := s.connect(ctx)
	if err != nil {
		return err
	}
	return s.write(l, protocol.MsgTypePut, 0, &message.Envelope{Key: name, Payload: payload})
}

func (s *Session) Subscribe(name string, fn func([]byte)) (substrate.Registration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DialTimeout)
	defer cancel()
	l, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	r := &registration{s: s, name: name, sub: true, done: make(chan struct{})}
	s.mu.Lock()
	first := len(s.subs[name]) == 0
	if s.subs[name] == nil {
		s.subs[name] = make(map[*registration]func([]byte))
	}
	s.subs[name][r] = fn
	s.mu.Unlock()

	if first {
		if _, err := s.exchange(ctx, l, protocol.MsgTypeSubscribe, &message.Envelope{Key: name}); err != nil {
			s.release(r, false)
			if message.CodeOf(err) == message.CodeTimeout {
				err = fmt.Errorf("%w: subscribing %s: %v", message.ErrTransport, name, err)
			}
			return nil, err
		}
	}
	return r, nil
}

// release removes a registration and, when notify is set, tells the
// router it is gone.
func (s *Session) release(r *registration, notify bool) {
	s.mu.Lock()
	var (
		l    = s.link
		last bool
		own  bool
	)
	if r.sub {
		if set := s.subs[r.name]; set != nil {
			_, own = set[r]
			delete(set, r)
			if len(set) == 0 {
				delete(s.subs, r.name)
				last = true
			}
		}
	} else if s.handlers[r.name] == r {
		delete(s.handlers, r.name)
		own, last = true, true
	}
	s.mu.Unlock()

	if notify && own && last && l != nil {
		mt := protocol.MsgTypeUndeclare
		if r.sub {
			mt = protocol.MsgTypeUnsubscribe
		}
		s.write(l, mt, 0, &message.Envelope{Key: r.name})
	}
	r.closeDone()
}

// Close closes the connection and releases every registration.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	l := s.link
	s.mu.Unlock()
	if l != nil {
		s.connLost(l, fmt.Errorf("%w: session closed", message.ErrShuttingDown))
	}
	return nil
}
