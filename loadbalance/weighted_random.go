package loadbalance

import (
	"fmt"
	"math/rand/v2"
)

type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(key string, candidates []Candidate) (*Candidate, error) {
	if len(candidates) == 0 {
		return nil, errNoCandidates(key)
	}

	totalWeight := 0
	for _, c := range candidates {
		totalWeight += weightOf(c)
	}

	r := rand.IntN(totalWeight)
	for i := range candidates {
		r -= weightOf(candidates[i])
		if r < 0 {
			return &candidates[i], nil
		}
	}

	return nil, fmt.Errorf("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
