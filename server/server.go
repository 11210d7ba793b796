// Package server implements the query router that bridge sessions connect
// to. It plays the role of a Zenoh router for the framed protocol in package
// protocol: sessions declare queryables and subscriptions, and the router
// forwards queries and publications between them.
//
// Query path:
//
//	origin ──Query(seq=7)──→ Router ──Query(seq=42)──→ target
//	origin ←─Reply(seq=7)─── Router ←─Reply(seq=42)─── target
//
// The router renumbers every forwarded query so that sequence numbers chosen
// by different sessions never collide, and keeps the mapping until the
// reply arrives or one of the two peers disconnects.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"rpcbridge/codec"
	"rpcbridge/loadbalance"
	"rpcbridge/message"
	"rpcbridge/protocol"
)

var (
	metricPeers = prom.NewGauge(prom.GaugeOpts{
		Name: "rpcbridge_router_peers",
		Help: "Number of sessions connected to the router.",
	})
	metricQueries = prom.NewCounterVec(prom.CounterOpts{
		Name: "rpcbridge_router_queries_total",
		Help: "Queries seen by the router, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prom.MustRegister(metricPeers, metricQueries)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 14,
	WriteBufferSize: 1 << 14,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router accepts sessions and routes frames between them.
type Router struct {
	log      *zap.Logger
	balancer loadbalance.Balancer

	mu          sync.RWMutex
	peers       map[string]*peer
	queryables  map[string][]*peer            // key → declaring peers, in declaration order
	subscribers map[string]map[*peer]struct{} // key → subscribed peers
	forwarded   map[uint32]*forward           // router seq → origin of the query
	listeners   []net.Listener

	seq      atomic.Uint32
	nextPeer atomic.Uint64
	wg       sync.WaitGroup // Tracks connection handlers for graceful shutdown
	shutdown atomic.Bool
}

type peer struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex
}

type forward struct {
	origin    *peer
	originSeq uint32
	target    *peer
	codec     byte
	key       string
}

// NewRouter returns a router that spreads queries over multiple declarations
// of the same key with b (round robin when nil).
func NewRouter(b loadbalance.Balancer, log *zap.Logger) *Router {
	if b == nil {
		b = &loadbalance.RoundRobinBalancer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		log:         log,
		balancer:    b,
		peers:       make(map[string]*peer),
		queryables:  make(map[string][]*peer),
		subscribers: make(map[string]map[*peer]struct{}),
		forwarded:   make(map[uint32]*forward),
	}
}

// ListenAndServe listens on a TCP address and serves sessions until
// Shutdown.
func (r *Router) ListenAndServe(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return r.Serve(ln)
}

// Serve runs the accept loop on ln, one goroutine per connection.
func (r *Router) Serve(ln net.Listener) error {
	r.mu.Lock()
	r.listeners = append(r.listeners, ln)
	r.mu.Unlock()
	r.log.Info("router listening", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if r.shutdown.Load() {
				return nil
			}
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleConn(conn)
		}()
	}
}

// ServeHTTP upgrades the request to a WebSocket session.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.shutdown.Load() {
		http.Error(w, "router shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	r.wg.Add(1)
	defer r.wg.Done()
	r.handleConn(protocol.NewWSConn(ws))
}

// handleConn reads frames from one session. Reads are sequential because
// frames are delimited only by their header; every frame is handled inline
// since the router never blocks on a peer other than for a single write.
func (r *Router) handleConn(conn net.Conn) {
	p := &peer{
		id:   fmt.Sprintf("peer-%d", r.nextPeer.Add(1)),
		conn: conn,
	}
	log := r.log.With(zap.String("peer", p.id), zap.String("remote", conn.RemoteAddr().String()))

	r.mu.Lock()
	r.peers[p.id] = p
	r.mu.Unlock()
	metricPeers.Inc()
	log.Debug("session connected")

	defer func() {
		conn.Close()
		r.dropPeer(p)
		metricPeers.Dec()
		log.Debug("session closed")
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		var env message.Envelope
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &env); err != nil {
			log.Warn("dropping undecodable frame", zap.Stringer("type", header.MsgType), zap.Error(err))
			if header.MsgType == protocol.MsgTypeQuery || header.MsgType == protocol.MsgTypeDeclare || header.MsgType == protocol.MsgTypeSubscribe {
				r.send(p, header.CodecType, protocol.MsgTypeReply, header.Seq, message.Failed("", err))
			}
			continue
		}

		switch header.MsgType {
		case protocol.MsgTypeDeclare:
			r.declare(p, header, &env)
		case protocol.MsgTypeUndeclare:
			r.undeclare(p, env.Key)
		case protocol.MsgTypeSubscribe:
			r.subscribe(p, header, &env)
		case protocol.MsgTypeUnsubscribe:
			r.unsubscribe(p, env.Key)
		case protocol.MsgTypeQuery:
			r.route(p, header, &env)
		case protocol.MsgTypeReply:
			r.reply(p, header, &env)
		case protocol.MsgTypePut:
			r.put(p, header, &env)
		}
	}
}

func (r *Router) declare(p *peer, h *protocol.Header, env *message.Envelope) {
	if env.Key == "" {
		r.send(p, h.CodecType, protocol.MsgTypeReply, h.Seq, message.Failed("", fmt.Errorf("%w: empty key", message.ErrInvalidName)))
		return
	}
	r.mu.Lock()
	declared := false
	for _, q := range r.queryables[env.Key] {
		if q == p {
			declared = true
			break
		}
	}
	if !declared {
		r.queryables[env.Key] = append(r.queryables[env.Key], p)
	}
	r.mu.Unlock()
	r.log.Debug("queryable declared", zap.String("peer", p.id), zap.String("key", env.Key))
	r.send(p, h.CodecType, protocol.MsgTypeReply, h.Seq, &message.Envelope{Key: env.Key})
}

func (r *Router) undeclare(p *peer, key string) {
	r.mu.Lock()
	r.removeQueryableLocked(p, key)
	r.mu.Unlock()
}

func (r *Router) removeQueryableLocked(p *peer, key string) {
	list := r.queryables[key]
	for i, q := range list {
		if q == p {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.queryables, key)
	} else {
		r.queryables[key] = list
	}
}

func (r *Router) subscribe(p *peer, h *protocol.Header, env *message.Envelope) {
	r.mu.Lock()
	if r.subscribers[env.Key] == nil {
		r.subscribers[env.Key] = make(map[*peer]struct{})
	}
	r.subscribers[env.Key][p] = struct{}{}
	r.mu.Unlock()
	r.send(p, h.CodecType, protocol.MsgTypeReply, h.Seq, &message.Envelope{Key: env.Key})
}

func (r *Router) unsubscribe(p *peer, key string) {
	r.mu.Lock()
	if set := r.subscribers[key]; set != nil {
		delete(set, p)
		if len(set) == 0 {
			delete(r.subscribers, key)
		}
	}
	r.mu.Unlock()
}

// route forwards a query to one declaration of its key.
func (r *Router) route(origin *peer, h *protocol.Header, env *message.Envelope) {
	r.mu.RLock()
	decls := r.queryables[env.Key]
	candidates := make([]loadbalance.Candidate, len(decls))
	byID := make(map[string]*peer, len(decls))
	for i, q := range decls {
		candidates[i] = loadbalance.Candidate{ID: q.id, Weight: 1}
		byID[q.id] = q
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		metricQueries.WithLabelValues("no_route").Inc()
		err := fmt.Errorf("%w: no queryable declared for %s", message.ErrTransport, env.Key)
		r.send(origin, h.CodecType, protocol.MsgTypeReply, h.Seq, message.Failed(env.Key, err))
		return
	}
	picked, err := r.balancer.Pick(env.Key, candidates)
	if err != nil {
		metricQueries.WithLabelValues("no_route").Inc()
		r.send(origin, h.CodecType, protocol.MsgTypeReply, h.Seq, message.Failed(env.Key, fmt.Errorf("%w: %v", message.ErrTransport, err)))
		return
	}
	target := byID[picked.ID]

	seq := r.seq.Add(1)
	r.mu.Lock()
	r.forwarded[seq] = &forward{origin: origin, originSeq: h.Seq, target: target, codec: h.CodecType, key: env.Key}
	r.mu.Unlock()

	if err := r.send(target, h.CodecType, protocol.MsgTypeQuery, seq, env); err != nil {
		r.mu.Lock()
		_, pending := r.forwarded[seq]
		delete(r.forwarded, seq)
		r.mu.Unlock()
		if pending {
			metricQueries.WithLabelValues("peer_lost").Inc()
			r.send(origin, h.CodecType, protocol.MsgTypeReply, h.Seq, message.Failed(env.Key, fmt.Errorf("%w: forwarding to %s: %v", message.ErrTransport, target.id, err)))
		}
		return
	}
	metricQueries.WithLabelValues("routed").Inc()
}

// reply returns an answer to the origin of a forwarded query. Replies for
// unknown sequence numbers are late or duplicated and are dropped.
func (r *Router) reply(p *peer, h *protocol.Header, env *message.Envelope) {
	r.mu.Lock()
	fw, ok := r.forwarded[h.Seq]
	if ok && fw.target == p {
		delete(r.forwarded, h.Seq)
	}
	r.mu.Unlock()
	if !ok || fw.target != p {
		r.log.Debug("dropping unmatched reply", zap.String("peer", p.id), zap.Uint32("seq", h.Seq))
		return
	}
	r.send(fw.origin, fw.codec, protocol.MsgTypeReply, fw.originSeq, env)
}

func (r *Router) put(p *peer, h *protocol.Header, env *message.Envelope) {
	r.mu.RLock()
	targets := make([]*peer, 0, len(r.subscribers[env.Key]))
	for s := range r.subscribers[env.Key] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	for _, s := range targets {
		r.send(s, h.CodecType, protocol.MsgTypePut, 0, env)
	}
}

// dropPeer withdraws the declarations of a closed session and fails every
// query it was expected to answer.
func (r *Router) dropPeer(p *peer) {
	type orphan struct {
		fw  *forward
		seq uint32
	}
	var orphans []orphan

	r.mu.Lock()
	delete(r.peers, p.id)
	for key := range r.queryables {
		r.removeQueryableLocked(p, key)
	}
	for key, set := range r.subscribers {
		delete(set, p)
		if len(set) == 0 {
			delete(r.subscribers, key)
		}
	}
	for seq, fw := range r.forwarded {
		if fw.target == p || fw.origin == p {
			delete(r.forwarded, seq)
			if fw.target == p && fw.origin != p {
				orphans = append(orphans, orphan{fw: fw, seq: seq})
			}
		}
	}
	r.mu.Unlock()

	for _, o := range orphans {
		metricQueries.WithLabelValues("peer_lost").Inc()
		err := fmt.Errorf("%w: responder for %s disconnected", message.ErrTransport, o.fw.key)
		r.send(o.fw.origin, o.fw.codec, protocol.MsgTypeReply, o.fw.originSeq, message.Failed(o.fw.key, err))
	}
}

// send encodes env and writes one frame to p under its write lock.
func (r *Router) send(p *peer, codecType byte, mt protocol.MsgType, seq uint32, env *message.Envelope) error {
	body, err := codec.GetCodec(codec.CodecType(codecType)).Encode(env)
	if err != nil {
		r.log.Error("encoding frame", zap.Stringer("type", mt), zap.Error(err))
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	err = protocol.Encode(p.conn, &protocol.Header{
		CodecType: codecType,
		MsgType:   mt,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}, body)
	if err != nil {
		r.log.Debug("write failed", zap.String("peer", p.id), zap.Error(err))
	}
	return err
}

// Declarations returns the number of sessions declaring key.
func (r *Router) Declarations(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queryables[key])
}

// Shutdown stops accepting sessions, closes the connected ones and waits
// for their handlers to return.
//  1. Set shutdown flag (so Accept error is recognized as intentional)
//  2. Close the listeners and every session
//  3. Wait for handlers to finish (with timeout)
func (r *Router) Shutdown(timeout time.Duration) error {
	r.shutdown.Store(true)

	r.mu.Lock()
	for _, ln := range r.listeners {
		ln.Close()
	}
	for _, p := range r.peers {
		p.conn.Close()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for sessions to close")
	}
}
