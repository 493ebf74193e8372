package egress

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
)

// NATSPublisher adapts a NATS connection to the watermill publisher
// interface used by the audit writer's republication path.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher wraps an established connection
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// Publish forwards each message payload to the topic subject
func (p *NATSPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if err := p.nc.Publish(topic, msg.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the connection; ownership stays with the caller
func (p *NATSPublisher) Close() error {
	return p.nc.Flush()
}
