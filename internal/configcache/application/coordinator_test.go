package application

import (
	"context"
	"testing"
	"time"

	"fieldlink-cloud/internal/clock"
	commandsapp "fieldlink-cloud/internal/commands/application"
	commandsevents "fieldlink-cloud/internal/commands/application/events"
	commands "fieldlink-cloud/internal/commands/domain"
	commandsmemory "fieldlink-cloud/internal/commands/infrastructure/memory"
	configcache "fieldlink-cloud/internal/configcache/domain"
	"fieldlink-cloud/internal/configcache/infrastructure/memory"
	"fieldlink-cloud/internal/transport"
)

type fakePublisher struct {
	offline map[string]bool
	count   int
}

func (p *fakePublisher) Publish(_ context.Context, subject string, _ []byte, _ ...transport.PubOptions) error {
	if p.offline[subject] {
		return transport.ErrDeviceNotConnected
	}
	p.count++
	return nil
}

func newCoordinatorFixture(t *testing.T, publisher *fakePublisher) (*memory.SnapshotRepository, *clock.Fake, *Coordinator) {
	t.Helper()
	store := memory.NewSnapshotRepository()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := commandsapp.DispatchConfig{
		AckTimeout:    30 * time.Second,
		MaxAttempts:   3,
		SweepInterval: 5 * time.Second,
		StatsWindow:   24 * time.Hour,
	}
	dispatcher, err := commandsapp.NewDispatcher(commandsmemory.NewCommandRepository(), publisher, clk, cfg, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	coordinator, err := NewCoordinator(store, dispatcher, clk, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return store, clk, coordinator
}

func TestSyncDeviceFullReplace(t *testing.T) {
	store, clk, coordinator := newCoordinatorFixture(t, &fakePublisher{})
	ctx := context.Background()

	_ = store.Put(ctx, &configcache.Snapshot{
		DeviceID:        "dev-1",
		AppliedSettings: map[string]any{"old_key": "old"},
		SyncedAt:        clk.Now().Add(-time.Hour),
		Status:          configcache.StatusStale,
	})

	commandID, err := coordinator.SyncDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	snapshot, _ := store.Get(ctx, "dev-1")
	if snapshot.Status != configcache.StatusPendingSync {
		t.Fatalf("expected PENDING_SYNC, got %s", snapshot.Status)
	}

	err = coordinator.HandleCommandAcked(ctx, commandsevents.CommandAcked{
		CommandID:      commandID,
		DeviceID:       "dev-1",
		Type:           commands.TypeSettings,
		State:          commands.StateSucceeded,
		ReportedValues: map[string]any{"threshold": 42.0, "mode": "auto"},
		OccurredAt:     clk.Now(),
	})
	if err != nil {
		t.Fatalf("handle acked: %v", err)
	}

	snapshot, _ = store.Get(ctx, "dev-1")
	if snapshot.Status != configcache.StatusFresh {
		t.Fatalf("expected FRESH, got %s", snapshot.Status)
	}
	if snapshot.SourceCommandID != commandID {
		t.Fatalf("source command not recorded: %s", snapshot.SourceCommandID)
	}
	if _, stale := snapshot.AppliedSettings["old_key"]; stale {
		t.Fatal("full sync merged instead of replacing")
	}
	if snapshot.AppliedSettings["threshold"] != 42.0 {
		t.Fatalf("reported settings missing: %v", snapshot.AppliedSettings)
	}
}

func TestRequestKeyMergesSingleKey(t *testing.T) {
	store, clk, coordinator := newCoordinatorFixture(t, &fakePublisher{})
	ctx := context.Background()

	_ = store.Put(ctx, &configcache.Snapshot{
		DeviceID:        "dev-1",
		AppliedSettings: map[string]any{"a": 1.0, "b": 2.0},
		SyncedAt:        clk.Now(),
		Status:          configcache.StatusFresh,
	})

	commandID, err := coordinator.RequestKey(ctx, "dev-1", "a")
	if err != nil {
		t.Fatalf("request key: %v", err)
	}
	// A single-key read leaves the sync status alone.
	snapshot, _ := store.Get(ctx, "dev-1")
	if snapshot.Status != configcache.StatusFresh {
		t.Fatalf("request key changed status to %s", snapshot.Status)
	}

	err = coordinator.HandleCommandAcked(ctx, commandsevents.CommandAcked{
		CommandID:      commandID,
		DeviceID:       "dev-1",
		Type:           commands.TypeSettings,
		State:          commands.StateAcked,
		ReportedValues: map[string]any{"a": 9.0, "extra": true},
		OccurredAt:     clk.Now(),
	})
	if err != nil {
		t.Fatalf("handle acked: %v", err)
	}

	snapshot, _ = store.Get(ctx, "dev-1")
	if snapshot.AppliedSettings["a"] != 9.0 {
		t.Fatalf("requested key not merged: %v", snapshot.AppliedSettings)
	}
	if snapshot.AppliedSettings["b"] != 2.0 {
		t.Fatalf("unrelated key lost: %v", snapshot.AppliedSettings)
	}
	if _, merged := snapshot.AppliedSettings["extra"]; merged {
		t.Fatal("single-key request merged unrequested values")
	}
}

func TestSyncFailureRestoresPriorStatus(t *testing.T) {
	store, clk, coordinator := newCoordinatorFixture(t, &fakePublisher{})
	ctx := context.Background()

	_ = store.Put(ctx, &configcache.Snapshot{
		DeviceID:        "dev-1",
		AppliedSettings: map[string]any{"a": 1.0},
		SyncedAt:        clk.Now().Add(-time.Hour),
		Status:          configcache.StatusStale,
	})

	commandID, err := coordinator.SyncDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	err = coordinator.HandleCommandFailed(ctx, commandsevents.CommandFailed{
		CommandID:  commandID,
		DeviceID:   "dev-1",
		Type:       commands.TypeSettings,
		Reason:     "timeout exceeded max attempts",
		OccurredAt: clk.Now(),
	})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	snapshot, _ := store.Get(ctx, "dev-1")
	if snapshot.Status != configcache.StatusStale {
		t.Fatalf("expected STALE restored, got %s", snapshot.Status)
	}
	if snapshot.AppliedSettings["a"] != 1.0 {
		t.Fatalf("failed sync lost cached settings: %v", snapshot.AppliedSettings)
	}
}

// restartCoordinator builds a fresh coordinator over an existing snapshot
// store, as after a process restart: the pending-sync map starts empty.
func restartCoordinator(t *testing.T, store *memory.SnapshotRepository, clk *clock.Fake) *Coordinator {
	t.Helper()
	dispatcher, err := commandsapp.NewDispatcher(commandsmemory.NewCommandRepository(), &fakePublisher{}, clk, commandsapp.DispatchConfig{
		AckTimeout:    30 * time.Second,
		MaxAttempts:   3,
		SweepInterval: 5 * time.Second,
		StatsWindow:   24 * time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	coordinator, err := NewCoordinator(store, dispatcher, clk, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coordinator
}

func TestSyncCompletionSurvivesRestart(t *testing.T) {
	store, clk, coordinator := newCoordinatorFixture(t, &fakePublisher{})
	ctx := context.Background()

	commandID, err := coordinator.SyncDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	restarted := restartCoordinator(t, store, clk)
	err = restarted.HandleCommandAcked(ctx, commandsevents.CommandAcked{
		CommandID:      commandID,
		DeviceID:       "dev-1",
		Type:           commands.TypeSettings,
		State:          commands.StateSucceeded,
		ReportedValues: map[string]any{"threshold": 42.0},
		OccurredAt:     clk.Now(),
	})
	if err != nil {
		t.Fatalf("handle acked: %v", err)
	}

	snapshot, _ := store.Get(ctx, "dev-1")
	if snapshot.Status != configcache.StatusFresh {
		t.Fatalf("snapshot stuck in %s after terminal ack", snapshot.Status)
	}
	if snapshot.AppliedSettings["threshold"] != 42.0 || snapshot.SourceCommandID != commandID {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestSyncFailureSurvivesRestart(t *testing.T) {
	store, clk, coordinator := newCoordinatorFixture(t, &fakePublisher{})
	ctx := context.Background()

	_ = store.Put(ctx, &configcache.Snapshot{
		DeviceID:        "dev-1",
		AppliedSettings: map[string]any{"a": 1.0},
		SyncedAt:        clk.Now().Add(-time.Hour),
		Status:          configcache.StatusStale,
	})

	commandID, err := coordinator.SyncDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	restarted := restartCoordinator(t, store, clk)
	err = restarted.HandleCommandFailed(ctx, commandsevents.CommandFailed{
		CommandID:  commandID,
		DeviceID:   "dev-1",
		Type:       commands.TypeSettings,
		Reason:     "timeout exceeded max attempts",
		OccurredAt: clk.Now(),
	})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	snapshot, _ := store.Get(ctx, "dev-1")
	if snapshot.Status != configcache.StatusStale {
		t.Fatalf("expected STALE release, got %s", snapshot.Status)
	}
	if snapshot.AppliedSettings["a"] != 1.0 {
		t.Fatalf("failed sync lost cached settings: %v", snapshot.AppliedSettings)
	}
}

func TestSyncDeviceOffline(t *testing.T) {
	publisher := &fakePublisher{offline: map[string]bool{transport.CommandSubject("dev-off"): true}}
	store, _, coordinator := newCoordinatorFixture(t, publisher)
	ctx := context.Background()

	if _, err := coordinator.SyncDevice(ctx, "dev-off"); err == nil {
		t.Fatal("expected error for offline device")
	}
	// No snapshot status change for a dispatch that never went out.
	snapshot, _ := store.Get(ctx, "dev-off")
	if snapshot != nil && snapshot.Status == configcache.StatusPendingSync {
		t.Fatalf("offline sync left PENDING_SYNC: %+v", snapshot)
	}
}

func TestBulkSyncReportsPerDevice(t *testing.T) {
	publisher := &fakePublisher{offline: map[string]bool{transport.CommandSubject("dev-2"): true}}
	_, _, coordinator := newCoordinatorFixture(t, publisher)

	results := coordinator.BulkSync(context.Background(), []string{"dev-1", "dev-2", "dev-3"})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	byDevice := make(map[string]BulkResult, len(results))
	for _, result := range results {
		byDevice[result.DeviceID] = result
	}
	if byDevice["dev-1"].Status != "pending" || byDevice["dev-3"].Status != "pending" {
		t.Fatalf("online devices not pending: %+v", results)
	}
	if byDevice["dev-2"].Status != "failed" || byDevice["dev-2"].Error == "" {
		t.Fatalf("offline device not reported failed: %+v", byDevice["dev-2"])
	}
	if byDevice["dev-1"].CommandID == "" {
		t.Fatal("pending result missing command id")
	}
}

func TestUntrackedSettingsAckMergesAll(t *testing.T) {
	store, clk, coordinator := newCoordinatorFixture(t, &fakePublisher{})
	ctx := context.Background()

	// An ack for a SETTINGS write this coordinator never issued still
	// refreshes the reported values.
	err := coordinator.HandleCommandAcked(ctx, commandsevents.CommandAcked{
		CommandID:      "cmd-elsewhere",
		DeviceID:       "dev-1",
		Type:           commands.TypeSettings,
		State:          commands.StateSucceeded,
		ReportedValues: map[string]any{"limit": 7.0},
		OccurredAt:     clk.Now(),
	})
	if err != nil {
		t.Fatalf("handle acked: %v", err)
	}
	snapshot, _ := store.Get(ctx, "dev-1")
	if snapshot == nil || snapshot.AppliedSettings["limit"] != 7.0 {
		t.Fatalf("untracked settings ack not merged: %+v", snapshot)
	}
}

func TestNonConfigAckIgnored(t *testing.T) {
	store, clk, coordinator := newCoordinatorFixture(t, &fakePublisher{})
	ctx := context.Background()

	err := coordinator.HandleCommandAcked(ctx, commandsevents.CommandAcked{
		CommandID:      "cmd-1",
		DeviceID:       "dev-1",
		Type:           commands.TypeInterrupt,
		State:          commands.StateAcked,
		ReportedValues: map[string]any{"ignored": true},
		OccurredAt:     clk.Now(),
	})
	if err != nil {
		t.Fatalf("handle acked: %v", err)
	}
	snapshot, _ := store.Get(ctx, "dev-1")
	if snapshot != nil {
		t.Fatalf("non-config ack created snapshot: %+v", snapshot)
	}
}
