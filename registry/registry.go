// Package registry publishes the liveness of bridge routes so that operators
// and other tooling can see which services and actions a bridge currently
// serves.
//
// Two implementations are provided: EtcdRegistry, which stores one
// lease-bound key per route, and Memory for tests and single-host runs.
package registry

import (
	"context"
	"time"
)

// RouteStatus is the published state of one route.
type RouteStatus struct {
	Bridge    string    `json:"bridge"`
	Route     string    `json:"route"`
	Kind      string    `json:"kind"`      // "service" or "action"
	Direction string    `json:"direction"` // "ros_to_zenoh" or "zenoh_to_ros"
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
	Error     string    `json:"error,omitempty"`
}

// Registry stores route states. Entries registered with a TTL disappear on
// their own when the bridge stops renewing them.
type Registry interface {
	Register(ctx context.Context, status RouteStatus, ttl int64) error
	Deregister(ctx context.Context, route string) error
	Discover(ctx context.Context) ([]RouteStatus, error)
	Watch(ctx context.Context) <-chan []RouteStatus
	Close() error
}
