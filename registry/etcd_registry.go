package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry implements Registry on etcd v3.
//
//	Key:   /rpcbridge/{bridge}/routes/{route}
//	Value: JSON-encoded RouteStatus
//
// Each route owns one TTL lease kept alive in the background. State updates
// reuse the lease, so a crashed bridge's routes expire together with it.
type EtcdRegistry struct {
	client *clientv3.Client
	bridge string
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]*routeLease
}

type routeLease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints and scopes every key
// to bridge.
func NewEtcdRegistry(endpoints []string, bridge string, log *zap.Logger) (*EtcdRegistry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		bridge: bridge,
		log:    log,
		leases: make(map[string]*routeLease),
	}, nil
}

func (r *EtcdRegistry) prefix() string {
	return "/rpcbridge/" + r.bridge + "/routes/"
}

func (r *EtcdRegistry) key(route string) string {
	return r.prefix() + strings.TrimPrefix(route, "/")
}

// Register writes status under the route's lease, granting the lease and
// starting its KeepAlive on first use.
func (r *EtcdRegistry) Register(ctx context.Context, status RouteStatus, ttl int64) error {
	status.Bridge = r.bridge
	val, err := json.Marshal(status)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.leases[status.Route]
	if l == nil {
		lease, err := r.client.Grant(ctx, ttl)
		if err != nil {
			return fmt.Errorf("grant lease for %s: %w", status.Route, err)
		}
		kaCtx, cancel := context.WithCancel(context.Background())
		ch, err := r.client.KeepAlive(kaCtx, lease.ID)
		if err != nil {
			cancel()
			return fmt.Errorf("keepalive for %s: %w", status.Route, err)
		}
		// Consume KeepAlive responses to prevent the channel from filling up
		go func() {
			for range ch {
			}
		}()
		l = &routeLease{id: lease.ID, cancel: cancel}
		r.leases[status.Route] = l
	}

	if _, err := r.client.Put(ctx, r.key(status.Route), string(val), clientv3.WithLease(l.id)); err != nil {
		return err
	}
	return nil
}

// Deregister revokes the route's lease, which deletes its key.
func (r *EtcdRegistry) Deregister(ctx context.Context, route string) error {
	r.mu.Lock()
	l := r.leases[route]
	delete(r.leases, route)
	r.mu.Unlock()

	if l == nil {
		_, err := r.client.Delete(ctx, r.key(route))
		return err
	}
	l.cancel()
	_, err := r.client.Revoke(ctx, l.id)
	return err
}

// Discover returns every route currently published by this bridge, sorted
// by route name.
func (r *EtcdRegistry) Discover(ctx context.Context) ([]RouteStatus, error) {
	resp, err := r.client.Get(ctx, r.prefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	routes := make([]RouteStatus, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var st RouteStatus
		if err := json.Unmarshal(kv.Value, &st); err != nil {
			r.log.Warn("skipping malformed route entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		routes = append(routes, st)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Route < routes[j].Route })
	return routes, nil
}

// Watch emits the full route list after every change under the bridge
// prefix until ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan []RouteStatus {
	ch := make(chan []RouteStatus, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, r.prefix(), clientv3.WithPrefix())
		for range watchChan {
			routes, err := r.Discover(ctx)
			if err != nil {
				continue
			}
			select {
			case ch <- routes:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close revokes every lease and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]*routeLease)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, l := range leases {
		l.cancel()
		r.client.Revoke(ctx, l.id)
	}
	return r.client.Close()
}
