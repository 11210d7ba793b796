// Package loadbalance picks which declaration answers a query when several
// sessions declare the same key expression.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity responders
//   - WeightedRandom:  responders with different capacity
//   - ConsistentHash:  the same key always lands on the same responder
package loadbalance

import (
	"fmt"
	"strings"
)

// Candidate is one responder able to answer a key.
type Candidate struct {
	ID     string // Stable responder id (router peer id)
	Weight int    // Relative capacity; values <= 0 count as 1
}

// Balancer selects a responder for a query on key. Pick is called once per
// routed query and must be goroutine-safe.
type Balancer interface {
	Pick(key string, candidates []Candidate) (*Candidate, error)
	Name() string
}

// New returns the balancer registered under name (case-insensitive).
// The empty name selects round robin.
func New(name string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "roundrobin", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weightedrandom", "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistenthash", "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}

func errNoCandidates(key string) error {
	return fmt.Errorf("no responders available for %s", key)
}

func weightOf(c Candidate) int {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}
