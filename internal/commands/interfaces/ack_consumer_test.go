package interfaces

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fieldlink-cloud/internal/clock"
	commandsapp "fieldlink-cloud/internal/commands/application"
	commands "fieldlink-cloud/internal/commands/domain"
	"fieldlink-cloud/internal/commands/infrastructure/memory"
	"fieldlink-cloud/internal/eventbus"
	"fieldlink-cloud/internal/transport"
	transportmemory "fieldlink-cloud/internal/transport/memory"
)

func TestAckConsumerRoundTrip(t *testing.T) {
	store := memory.NewCommandRepository()
	broker := transportmemory.NewBroker()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := commandsapp.DispatchConfig{
		AckTimeout:    30 * time.Second,
		MaxAttempts:   3,
		SweepInterval: 5 * time.Second,
		StatsWindow:   24 * time.Hour,
	}

	dispatcher, err := commandsapp.NewDispatcher(store, broker, clk, cfg, nil)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	tracker, err := commandsapp.NewTracker(store, eventbus.NewInMemoryBus(), clk, cfg, nil)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	consumer, err := NewAckConsumer(tracker, nil)
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	if err := consumer.Subscribe(broker); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := broker.Subscribe(transport.CommandSubject("dev-1"), func(context.Context, []byte) error { return nil }); err != nil {
		t.Fatalf("device subscribe: %v", err)
	}

	cmd, err := dispatcher.Send(context.Background(), "dev-1", commands.TypeSettings, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	clk.Advance(100 * time.Millisecond)
	ack, err := json.Marshal(transport.AckEnvelope{
		CommandID:      cmd.ID,
		DeviceID:       "dev-1",
		Status:         "success",
		ReportedValues: map[string]any{"echo": true},
	})
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	if err := broker.Publish(context.Background(), transport.AckSubject, ack); err != nil {
		t.Fatalf("publish ack: %v", err)
	}

	stored, _ := store.Get(context.Background(), cmd.ID)
	if stored.State != commands.StateSucceeded {
		t.Fatalf("expected SUCCEEDED after ack, got %s", stored.State)
	}
	if stored.AckLatencyMs != 100 {
		t.Fatalf("expected 100ms latency, got %d", stored.AckLatencyMs)
	}
}

func TestAckConsumerDropsMalformedPayload(t *testing.T) {
	store := memory.NewCommandRepository()
	tracker, err := commandsapp.NewTracker(store, eventbus.NewInMemoryBus(), clock.System{}, commandsapp.DispatchConfig{
		AckTimeout:    30 * time.Second,
		MaxAttempts:   3,
		SweepInterval: 5 * time.Second,
		StatsWindow:   24 * time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	consumer, err := NewAckConsumer(tracker, nil)
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	if err := consumer.Handle(context.Background(), []byte("not-json")); err != nil {
		t.Fatalf("malformed payload must not error: %v", err)
	}
	if err := consumer.Handle(context.Background(), []byte(`{"status":"ok"}`)); err != nil {
		t.Fatalf("ack without command_id must not error: %v", err)
	}
}
