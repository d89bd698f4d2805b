package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"fieldlink-cloud/internal/transport"
)

// Adapter implements the transport boundary on NATS. Command publishes go
// through JetStream so the broker acknowledges persistence and deduplicates
// replays by command id; ack subscriptions use a core NATS subscription.
//
// Device command subjects are backed by per-device streams created when a
// device connects. Publishing to a device whose stream does not exist maps
// to ErrDeviceNotConnected.
type Adapter struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// New connects to NATS and returns an Adapter. name is the client name
// shown in NATS monitoring.
func New(url, name string) (*Adapter, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.PingInterval(5*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream init: %w", err)
	}
	return &Adapter{nc: nc, js: js}, nil
}

// Publish sends to the subject, waiting for the broker's publish ack.
func (a *Adapter) Publish(ctx context.Context, subject string, payload []byte, opts ...transport.PubOptions) error {
	var opt transport.PubOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	msg := &nats.Msg{Subject: subject, Data: payload}
	if opt.DeduplicationID != "" {
		msg.Header = make(nats.Header)
		msg.Header.Set("Nats-Msg-Id", opt.DeduplicationID)
	}

	_, err := a.js.PublishMsg(ctx, msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, nats.ErrNoStreamResponse) || errors.Is(err, nats.ErrNoResponders) {
		return transport.ErrDeviceNotConnected
	}
	return err
}

// Subscribe registers a handler for a subject.
func (a *Adapter) Subscribe(subject string, handler transport.Handler) error {
	if handler == nil {
		return errors.New("nats transport: nil handler")
	}
	_, err := a.nc.Subscribe(subject, func(msg *nats.Msg) {
		_ = handler(context.Background(), msg.Data)
	})
	return err
}

// Close drains and closes the connection.
func (a *Adapter) Close() error {
	return a.nc.Drain()
}
