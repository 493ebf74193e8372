package ingress

import (
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/quantfabric/arbengine/internal/orderbook"
)

// NATSSource is the cross-process ingress fallback: the cleaning layer
// publishes snapshot_v1 frames on a subject and the decoder goroutine feeds
// them to the engine. The decoder allocates; it runs on an I/O core, never
// on a shard.
type NATSSource struct {
	sub     *nats.Subscription
	deliver func(*orderbook.NormalizedSnapshot)
	logger  *zap.Logger

	// Malformed counts undecodable frames
	Malformed atomic.Uint64
	// Received counts decoded snapshots
	Received atomic.Uint64
}

// NewNATSSource subscribes the decoder to a subject. deliver routes each
// decoded snapshot, typically Orchestrator.Ingest.
func NewNATSSource(nc *nats.Conn, subject string, deliver func(*orderbook.NormalizedSnapshot), logger *zap.Logger) (*NATSSource, error) {
	s := &NATSSource{deliver: deliver, logger: logger}
	sub, err := nc.Subscribe(subject, s.onMsg)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

// Close drops the subscription
func (s *NATSSource) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// onMsg decodes one or more concatenated snapshot_v1 frames
func (s *NATSSource) onMsg(m *nats.Msg) {
	buf := m.Data
	for len(buf) > 0 {
		snap, n, err := Decode(buf)
		if err != nil {
			s.Malformed.Add(1)
			s.logger.Debug("undecodable ingress frame", zap.Error(err))
			return
		}
		s.Received.Add(1)
		s.deliver(snap)
		buf = buf[n:]
	}
}
