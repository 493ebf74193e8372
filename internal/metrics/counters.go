// Package metrics carries the engine's observability surface. Hot-path
// counters are plain atomics; Prometheus only ever sees them through the
// off-path publisher goroutine.
package metrics

import (
	"sync/atomic"

	"github.com/quantfabric/arbengine/internal/common/errors"
)

// Counters is the per-shard counter block. Shards bump these with single
// atomic adds; nothing on the hot path formats, labels or locks.
type Counters struct {
	SnapshotsApplied   atomic.Uint64
	SnapshotsDropped   atomic.Uint64
	StaleSequences     atomic.Uint64
	MalformedSnapshots atomic.Uint64
	CrossedBooks       atomic.Uint64
	QualityRejects     atomic.Uint64
	SkewRejects        atomic.Uint64
	EvictedLevels      atomic.Uint64

	Saturations  atomic.Uint64 // fixed-point overflow saturations
	PoolReclaims atomic.Uint64

	DetectRuns           atomic.Uint64
	OpportunitiesFound   atomic.Uint64
	OpportunitiesEmitted atomic.Uint64
	OpportunitiesInvalid atomic.Uint64
	EgressDropped        atomic.Uint64
	AuditDropped         atomic.Uint64

	IngressDropped atomic.Uint64

	errorKinds [errors.KindCount]atomic.Uint64
}

// CountError records one occurrence of an error kind
func (c *Counters) CountError(kind errors.Kind) {
	c.errorKinds[kind].Add(1)
}

// ErrorCount returns the running total for an error kind
func (c *Counters) ErrorCount(kind errors.Kind) uint64 {
	return c.errorKinds[kind].Load()
}

// Registry aggregates the per-shard counter blocks for the publisher
type Registry struct {
	shards []*Counters
}

// NewRegistry allocates one counter block per shard
func NewRegistry(shards int) *Registry {
	r := &Registry{shards: make([]*Counters, shards)}
	for i := range r.shards {
		r.shards[i] = &Counters{}
	}
	return r
}

// Shard returns the counter block owned by shard i
func (r *Registry) Shard(i int) *Counters { return r.shards[i] }

// Shards returns the shard count
func (r *Registry) Shards() int { return len(r.shards) }
