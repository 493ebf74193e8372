package egress

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/quantfabric/arbengine/internal/common/errors"
)

// Executor is the capability set the engine depends on. The transport behind
// it (in-process call, shared ring, remote bus) is a wiring decision.
type Executor interface {
	// SubmitIntent hands over one intent without blocking. A full channel
	// returns errors.RingFull; the caller drops and counts.
	SubmitIntent(in *Intent) error
	// OnAck registers the acknowledgement callback. One callback per
	// executor; registration replaces.
	OnAck(fn func(Ack))
}

// InProcessExecutor invokes the execution service by direct call on a
// dedicated goroutine. Preferred transport when both sides share a process.
type InProcessExecutor struct {
	handler func(*Intent) Ack
	ring    *IntentRing
	ackFn   func(Ack)
	mu      sync.RWMutex
	stop    chan struct{}
	done    chan struct{}
}

// NewInProcessExecutor wraps the execution service's submit function. The
// handler runs on the executor goroutine, never on a shard.
func NewInProcessExecutor(handler func(*Intent) Ack, queueDepth int) *InProcessExecutor {
	e := &InProcessExecutor{
		handler: handler,
		ring:    NewIntentRing(queueDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// SubmitIntent enqueues the intent for the executor goroutine
func (e *InProcessExecutor) SubmitIntent(in *Intent) error {
	if !e.ring.Push(in) {
		return errors.RingFull
	}
	return nil
}

// OnAck registers the acknowledgement callback
func (e *InProcessExecutor) OnAck(fn func(Ack)) {
	e.mu.Lock()
	e.ackFn = fn
	e.mu.Unlock()
}

// Close drains and stops the executor goroutine
func (e *InProcessExecutor) Close() {
	close(e.stop)
	<-e.done
}

func (e *InProcessExecutor) run() {
	defer close(e.done)
	var in Intent
	for {
		if e.ring.Pop(&in) {
			now := time.Now().UnixNano()
			var ack Ack
			if in.DeadlineNs > 0 && now > in.DeadlineNs {
				ack = Ack{IdempotencyKey: in.IdempotencyKey, Status: AckRejected, ReasonCode: ReasonDeadlineExpired}
			} else {
				ack = e.handler(&in)
			}
			e.dispatch(ack)
			continue
		}
		select {
		case <-e.stop:
			// drain what is left before exiting
			for e.ring.Pop(&in) {
				e.dispatch(e.handler(&in))
			}
			return
		default:
			time.Sleep(50 * time.Microsecond)
		}
	}
}

func (e *InProcessExecutor) dispatch(a Ack) {
	e.mu.RLock()
	fn := e.ackFn
	e.mu.RUnlock()
	if fn != nil {
		fn(a)
	}
}

// Reason codes carried in rejections
const (
	ReasonDeadlineExpired uint32 = 1
	ReasonTransportDown   uint32 = 2
	ReasonShadowMode      uint32 = 3
)

// RemoteExecutor publishes intents to the external message bus as the
// fallback transport. A circuit breaker sheds load when the bus misbehaves;
// a tripped breaker surfaces as RingFull so the shard's drop-newest path
// handles it uniformly.
type RemoteExecutor struct {
	nc      *nats.Conn
	subject string
	ackSubj string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	mu    sync.RWMutex
	ackFn func(Ack)
	sub   *nats.Subscription
	buf   []byte
}

// NewRemoteExecutor connects the NATS fallback transport
func NewRemoteExecutor(nc *nats.Conn, subject, ackSubject string, logger *zap.Logger) (*RemoteExecutor, error) {
	e := &RemoteExecutor{
		nc:      nc,
		subject: subject,
		ackSubj: ackSubject,
		logger:  logger,
		buf:     make([]byte, 0, intentWireLen),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "egress-remote",
			MaxRequests: 5,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 10 && failureRatio >= 0.5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("egress circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
	sub, err := nc.Subscribe(ackSubject, e.onAckMsg)
	if err != nil {
		return nil, err
	}
	e.sub = sub
	return e, nil
}

// SubmitIntent publishes the intent through the breaker
func (e *RemoteExecutor) SubmitIntent(in *Intent) error {
	_, err := e.breaker.Execute(func() (interface{}, error) {
		e.mu.Lock()
		e.buf = EncodeIntent(e.buf[:0], in)
		err := e.nc.Publish(e.subject, e.buf)
		e.mu.Unlock()
		return nil, err
	})
	if err != nil {
		return errors.RingFull
	}
	return nil
}

// OnAck registers the acknowledgement callback
func (e *RemoteExecutor) OnAck(fn func(Ack)) {
	e.mu.Lock()
	e.ackFn = fn
	e.mu.Unlock()
}

// Close drops the ack subscription
func (e *RemoteExecutor) Close() {
	if e.sub != nil {
		_ = e.sub.Unsubscribe()
	}
}

func (e *RemoteExecutor) onAckMsg(m *nats.Msg) {
	if len(m.Data) < 32 {
		return
	}
	var a Ack
	copy(a.IdempotencyKey[:], m.Data[0:16])
	a.Status = AckStatus(m.Data[16])
	a.ReasonCode = uint32(m.Data[20]) | uint32(m.Data[21])<<8 | uint32(m.Data[22])<<16 | uint32(m.Data[23])<<24
	a.FilledQty = int64(uint64(m.Data[24]) | uint64(m.Data[25])<<8 | uint64(m.Data[26])<<16 | uint64(m.Data[27])<<24 |
		uint64(m.Data[28])<<32 | uint64(m.Data[29])<<40 | uint64(m.Data[30])<<48 | uint64(m.Data[31])<<56)
	e.mu.RLock()
	fn := e.ackFn
	e.mu.RUnlock()
	if fn != nil {
		fn(a)
	}
}

// ShadowExecutor meters intents without forwarding them. Used when
// shadow_mode is on: opportunities are still audited and counted, the
// executor never sees them.
type ShadowExecutor struct {
	mu        sync.RWMutex
	ackFn     func(Ack)
	Submitted uint64
}

// NewShadowExecutor creates the shadow sink
func NewShadowExecutor() *ShadowExecutor {
	return &ShadowExecutor{}
}

// SubmitIntent acknowledges without executing
func (e *ShadowExecutor) SubmitIntent(in *Intent) error {
	e.mu.Lock()
	e.Submitted++
	fn := e.ackFn
	e.mu.Unlock()
	if fn != nil {
		fn(Ack{IdempotencyKey: in.IdempotencyKey, Status: AckRejected, ReasonCode: ReasonShadowMode})
	}
	return nil
}

// OnAck registers the acknowledgement callback
func (e *ShadowExecutor) OnAck(fn func(Ack)) {
	e.mu.Lock()
	e.ackFn = fn
	e.mu.Unlock()
}
