// Package pool provides the per-shard fixed-capacity object pools backing
// the detection hot path. Pools are single-owner like the book store: no
// locks, no atomics, no heap allocation after construction.
package pool

import (
	"github.com/quantfabric/arbengine/internal/strategy"
)

// DefaultOpportunityPoolSize is the per-shard slab capacity
const DefaultOpportunityPoolSize = 1024

// OpportunityPool is a ring slab of opportunity records. Get hands out the
// next slot; when every slot is in flight the oldest record is reclaimed
// and counted, which matches the drop-oldest policy of the ingress side.
type OpportunityPool struct {
	slab        []strategy.Opportunity
	next        int
	outstanding int

	// Reclaims counts oldest-record reuse under exhaustion
	Reclaims uint64
}

// NewOpportunityPool creates a pool with the given capacity
func NewOpportunityPool(capacity int) *OpportunityPool {
	if capacity <= 0 {
		capacity = DefaultOpportunityPoolSize
	}
	return &OpportunityPool{slab: make([]strategy.Opportunity, capacity)}
}

// Cap returns the slab capacity
func (p *OpportunityPool) Cap() int { return len(p.slab) }

// Outstanding returns the number of records currently in flight
func (p *OpportunityPool) Outstanding() int { return p.outstanding }

// Get returns a zeroed record. Never nil; exhaustion reclaims the oldest.
func (p *OpportunityPool) Get() *strategy.Opportunity {
	o := &p.slab[p.next]
	p.next++
	if p.next == len(p.slab) {
		p.next = 0
	}
	if p.outstanding == len(p.slab) {
		p.Reclaims++
	} else {
		p.outstanding++
	}
	*o = strategy.Opportunity{}
	return o
}

// Put releases one in-flight record. Records do not need to be returned;
// unreturned records age out through reclaim.
func (p *OpportunityPool) Put(*strategy.Opportunity) {
	if p.outstanding > 0 {
		p.outstanding--
	}
}
