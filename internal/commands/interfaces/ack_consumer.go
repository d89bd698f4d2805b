package interfaces

import (
	"context"
	"errors"
	"log"

	commandsapp "fieldlink-cloud/internal/commands/application"
	"fieldlink-cloud/internal/transport"
)

// AckConsumer subscribes to the device acknowledgment subject and feeds
// decoded acks to the tracker. Malformed payloads are logged and dropped;
// a bad message from one device must not wedge the subscription.
type AckConsumer struct {
	tracker *commandsapp.Tracker
	logger  *log.Logger
}

// NewAckConsumer constructs a consumer.
func NewAckConsumer(tracker *commandsapp.Tracker, logger *log.Logger) (*AckConsumer, error) {
	if tracker == nil {
		return nil, errors.New("ack consumer: nil tracker")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &AckConsumer{tracker: tracker, logger: logger}, nil
}

// Subscribe registers the consumer on the transport's ack subject.
func (c *AckConsumer) Subscribe(subscriber transport.Subscriber) error {
	if subscriber == nil {
		return errors.New("ack consumer: nil subscriber")
	}
	return subscriber.Subscribe(transport.AckSubject, c.Handle)
}

// Handle processes one inbound ack payload.
func (c *AckConsumer) Handle(ctx context.Context, payload []byte) error {
	ack, err := transport.DecodeAck(payload)
	if err != nil {
		c.logger.Printf("ack decode error: %v", err)
		return nil
	}
	if err := c.tracker.OnAcknowledgment(ctx, ack); err != nil {
		c.logger.Printf("ack handling error: command=%s err=%v", ack.CommandID, err)
		return err
	}
	return nil
}
