package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"
)

// ConsistentHashBalancer maps query keys onto a hash ring of candidates, so
// the same key keeps hitting the same responder while the candidate set is
// stable. Adding or removing a declaration only moves the keys adjacent to
// it on the ring.
//
// The ring is rebuilt lazily whenever Pick sees a different candidate set.
// Each candidate gets replicas virtual nodes hashed from "{id}#{i}".
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	sig   string            // Candidate ids the ring was built from
	ring  []uint32          // Sorted hash values on the ring
	nodes map[uint32]string // Hash value → candidate id
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per
// candidate.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]string),
	}
}

func (b *ConsistentHashBalancer) rebuild(candidates []Candidate) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	slices.Sort(ids)
	sig := strings.Join(ids, ",")
	if sig == b.sig {
		return
	}
	b.sig = sig
	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, id := range ids {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", id, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = id
		}
	}
	slices.Sort(b.ring)
}

// Pick hashes key and walks clockwise to the first virtual node, wrapping
// around past the largest hash.
func (b *ConsistentHashBalancer) Pick(key string, candidates []Candidate) (*Candidate, error) {
	if len(candidates) == 0 {
		return nil, errNoCandidates(key)
	}

	b.mu.Lock()
	b.rebuild(candidates)
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	id := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	for i := range candidates {
		if candidates[i].ID == id {
			return &candidates[i], nil
		}
	}
	return nil, fmt.Errorf("consistent hash ring lost candidate %s", id)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
