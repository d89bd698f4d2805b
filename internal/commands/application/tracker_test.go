package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldlink-cloud/internal/clock"
	commandsevents "fieldlink-cloud/internal/commands/application/events"
	commands "fieldlink-cloud/internal/commands/domain"
	"fieldlink-cloud/internal/commands/infrastructure/memory"
	"fieldlink-cloud/internal/transport"
)

func newTrackedCommand(t *testing.T, store *memory.CommandRepository, clk *clock.Fake, publisher *stubPublisher) (*Dispatcher, *commands.Command) {
	t.Helper()
	dispatcher, err := NewDispatcher(store, publisher, clk, testDispatchConfig(), nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	cmd, err := dispatcher.Send(context.Background(), "dev-1", commands.TypeSettings, map[string]any{"action": "read"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return dispatcher, cmd
}

func TestTrackerAckSucceeded(t *testing.T) {
	store := memory.NewCommandRepository()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	_, cmd := newTrackedCommand(t, store, clk, &stubPublisher{})

	bus := &stubBus{}
	tracker, err := NewTracker(store, bus, clk, testDispatchConfig(), nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	clk.Advance(250 * time.Millisecond)
	err = tracker.OnAcknowledgment(context.Background(), transport.AckEnvelope{
		CommandID:      cmd.ID,
		DeviceID:       "dev-1",
		Status:         "success",
		ReportedValues: map[string]any{"threshold": 42.0},
	})
	if err != nil {
		t.Fatalf("ack: %v", err)
	}

	stored, _ := store.Get(context.Background(), cmd.ID)
	if stored.State != commands.StateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", stored.State)
	}
	if stored.AckLatencyMs != 250 {
		t.Fatalf("expected latency 250ms, got %d", stored.AckLatencyMs)
	}

	if len(bus.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(bus.events))
	}
	evt, ok := bus.events[0].(commandsevents.CommandAcked)
	if !ok {
		t.Fatalf("unexpected event %T", bus.events[0])
	}
	if evt.CommandID != cmd.ID || evt.State != commands.StateSucceeded {
		t.Fatalf("event mismatch: %+v", evt)
	}
	if evt.ReportedValues["threshold"] != 42.0 {
		t.Fatalf("reported values not forwarded: %+v", evt.ReportedValues)
	}
}

func TestTrackerAckNonSuccessStatus(t *testing.T) {
	store := memory.NewCommandRepository()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	_, cmd := newTrackedCommand(t, store, clk, &stubPublisher{})

	tracker, err := NewTracker(store, &stubBus{}, clk, testDispatchConfig(), nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	clk.Advance(time.Second)
	if err := tracker.OnAcknowledgment(context.Background(), transport.AckEnvelope{CommandID: cmd.ID, Status: "received"}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	stored, _ := store.Get(context.Background(), cmd.ID)
	if stored.State != commands.StateAcked {
		t.Fatalf("expected ACKED, got %s", stored.State)
	}
}

func TestTrackerUnknownAckDropped(t *testing.T) {
	store := memory.NewCommandRepository()
	bus := &stubBus{}
	tracker, err := NewTracker(store, bus, clock.System{}, testDispatchConfig(), nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	if err := tracker.OnAcknowledgment(context.Background(), transport.AckEnvelope{CommandID: "cmd-ghost", Status: "ok"}); err != nil {
		t.Fatalf("unexpected error for unsolicited ack: %v", err)
	}
	if len(bus.events) != 0 {
		t.Fatalf("unsolicited ack must not publish events, got %d", len(bus.events))
	}
}

func TestTrackerDuplicateAckNoOp(t *testing.T) {
	store := memory.NewCommandRepository()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	_, cmd := newTrackedCommand(t, store, clk, &stubPublisher{})

	bus := &stubBus{}
	tracker, err := NewTracker(store, bus, clk, testDispatchConfig(), nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	clk.Advance(100 * time.Millisecond)
	if err := tracker.OnAcknowledgment(context.Background(), transport.AckEnvelope{CommandID: cmd.ID, Status: "ok"}); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	first, _ := store.Get(context.Background(), cmd.ID)

	clk.Advance(5 * time.Second)
	if err := tracker.OnAcknowledgment(context.Background(), transport.AckEnvelope{CommandID: cmd.ID, Status: "failed"}); err != nil {
		t.Fatalf("duplicate ack: %v", err)
	}
	second, _ := store.Get(context.Background(), cmd.ID)

	if second.State != first.State || second.AckLatencyMs != first.AckLatencyMs || second.AttemptCount != first.AttemptCount {
		t.Fatalf("duplicate ack mutated command: first=%+v second=%+v", first, second)
	}
	if len(bus.events) != 1 {
		t.Fatalf("duplicate ack must not publish, got %d events", len(bus.events))
	}
}

func TestTrackerEarlyAckDropped(t *testing.T) {
	store := memory.NewCommandRepository()
	if err := store.Create(context.Background(), &commands.Command{
		ID:          "cmd-early",
		DeviceID:    "dev-1",
		Type:        commands.TypeNormal,
		State:       commands.StatePending,
		CreatedAt:   time.Now().UTC(),
		MaxAttempts: 3,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	tracker, err := NewTracker(store, &stubBus{}, clock.System{}, testDispatchConfig(), nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if err := tracker.OnAcknowledgment(context.Background(), transport.AckEnvelope{CommandID: "cmd-early", Status: "ok"}); err != nil {
		t.Fatalf("early ack: %v", err)
	}
	stored, _ := store.Get(context.Background(), "cmd-early")
	if stored.State != commands.StatePending {
		t.Fatalf("early ack must not transition PENDING, got %s", stored.State)
	}
}

func TestTrackerGetCommandStatusNotFound(t *testing.T) {
	tracker, err := NewTracker(memory.NewCommandRepository(), &stubBus{}, clock.System{}, testDispatchConfig(), nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if _, err := tracker.GetCommandStatus(context.Background(), "cmd-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTrackerDeviceStats(t *testing.T) {
	store := memory.NewCommandRepository()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	publisher := &stubPublisher{}
	dispatcher, err := NewDispatcher(store, publisher, clk, testDispatchConfig(), nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	tracker, err := NewTracker(store, &stubBus{}, clk, testDispatchConfig(), nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	latencies := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	for _, lat := range latencies {
		cmd, err := dispatcher.Send(context.Background(), "dev-stats", commands.TypeInst, nil)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		clk.Advance(lat)
		if err := tracker.OnAcknowledgment(context.Background(), transport.AckEnvelope{CommandID: cmd.ID, Status: "success"}); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	if _, err := dispatcher.Send(context.Background(), "dev-stats", commands.TypeInst, nil); err != nil {
		t.Fatalf("send pending: %v", err)
	}

	stats, err := tracker.GetDeviceAckStats(context.Background(), "dev-stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Counts[commands.StateSucceeded] != 3 {
		t.Fatalf("expected 3 SUCCEEDED, got %d", stats.Counts[commands.StateSucceeded])
	}
	if stats.Counts[commands.StateSent] != 1 {
		t.Fatalf("expected 1 SENT, got %d", stats.Counts[commands.StateSent])
	}
	if stats.AckedInWindow != 3 {
		t.Fatalf("expected 3 acked in window, got %d", stats.AckedInWindow)
	}
	if stats.MeanLatencyMs != 200 {
		t.Fatalf("expected mean 200ms, got %f", stats.MeanLatencyMs)
	}

	overview, err := tracker.GetSystemAckOverview(context.Background())
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if overview.Total != 4 {
		t.Fatalf("expected total 4, got %d", overview.Total)
	}
}

func TestTrackerHistoryNewestFirst(t *testing.T) {
	store := memory.NewCommandRepository()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	dispatcher, err := NewDispatcher(store, &stubPublisher{}, clk, testDispatchConfig(), nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	tracker, err := NewTracker(store, &stubBus{}, clk, testDispatchConfig(), nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		cmd, err := dispatcher.Send(context.Background(), "dev-hist", commands.TypeNormal, nil)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		ids = append(ids, cmd.ID)
		clk.Advance(time.Minute)
	}

	list, err := tracker.DeviceAcknowledgments(context.Background(), "dev-hist", 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(list))
	}
	if list[0].ID != ids[2] || list[2].ID != ids[0] {
		t.Fatalf("history not newest first: %v", []string{list[0].ID, list[1].ID, list[2].ID})
	}
}
