package loadbalance

import "sync/atomic"

// RoundRobinBalancer cycles through the candidates in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(key string, candidates []Candidate) (*Candidate, error) {
	if len(candidates) == 0 {
		return nil, errNoCandidates(key)
	}
	index := (b.counter.Add(1) - 1) % uint64(len(candidates))
	return &candidates[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
