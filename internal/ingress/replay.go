package ingress

import (
	"github.com/quantfabric/arbengine/internal/common/errors"
	"github.com/quantfabric/arbengine/internal/orderbook"
)

// Replay feeds a recorded snapshot stream into a ring. Determinism tests
// replay the same stream twice and compare emitted opportunities.
type Replay struct {
	snapshots []*orderbook.NormalizedSnapshot
	pos       int
}

// NewReplay wraps a snapshot slice as a replayable source
func NewReplay(snapshots []*orderbook.NormalizedSnapshot) *Replay {
	return &Replay{snapshots: snapshots}
}

// DecodeStream parses a concatenated snapshot_v1 byte stream into a Replay
func DecodeStream(buf []byte) (*Replay, error) {
	var out []*orderbook.NormalizedSnapshot
	for len(buf) > 0 {
		s, n, err := Decode(buf)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrMalformedSnapshot, "replay stream")
		}
		out = append(out, s)
		buf = buf[n:]
	}
	return &Replay{snapshots: out}, nil
}

// Rewind restarts the replay from the beginning
func (r *Replay) Rewind() { r.pos = 0 }

// Remaining returns the number of unsent snapshots
func (r *Replay) Remaining() int { return len(r.snapshots) - r.pos }

// FeedAll pushes every remaining snapshot into the ring
func (r *Replay) FeedAll(ring *Ring) int {
	n := 0
	for ; r.pos < len(r.snapshots); r.pos++ {
		ring.Push(r.snapshots[r.pos])
		n++
	}
	return n
}

// FeedN pushes up to n snapshots into the ring and returns the count pushed
func (r *Replay) FeedN(ring *Ring, n int) int {
	pushed := 0
	for pushed < n && r.pos < len(r.snapshots) {
		ring.Push(r.snapshots[r.pos])
		r.pos++
		pushed++
	}
	return pushed
}
