package application

import (
	"context"
	"errors"
	"log"
	"sync"

	"fieldlink-cloud/internal/clock"
	commandsapp "fieldlink-cloud/internal/commands/application"
	commandsevents "fieldlink-cloud/internal/commands/application/events"
	commands "fieldlink-cloud/internal/commands/domain"
	configcache "fieldlink-cloud/internal/configcache/domain"
	"fieldlink-cloud/internal/observability/metrics"
)

// Coordinator forces device configuration re-synchronization. It issues
// SETTINGS read commands through the dispatcher and consumes the command
// terminal events to move snapshots between PENDING_SYNC, FRESH and their
// prior status. Snapshot writes for one device are serialized by a
// per-device lock; different devices proceed fully in parallel.
type Coordinator struct {
	store      configcache.Store
	dispatcher *commandsapp.Dispatcher
	clock      clock.Clock
	logger     *log.Logger

	mu      sync.Mutex
	pending map[string]pendingSync
	locks   map[string]*sync.Mutex
}

// pendingSync records an in-flight SETTINGS read keyed by command id.
type pendingSync struct {
	deviceID   string
	key        string
	full       bool
	prevStatus configcache.SyncStatus
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(store configcache.Store, dispatcher *commandsapp.Dispatcher, clk clock.Clock, logger *log.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("sync coordinator: nil store")
	}
	if dispatcher == nil {
		return nil, errors.New("sync coordinator: nil dispatcher")
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
		pending:    make(map[string]pendingSync),
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// SyncDevice dispatches a full-configuration read and marks the device
// PENDING_SYNC. The returned command id is the caller's handle for
// tracking progress; the call itself never waits for the device.
//
// PENDING_SYNC is persisted and the device lock held before the command
// goes out: an ack racing the pending-map registration blocks on the lock,
// and an ack arriving after a restart still finds the status on disk.
func (c *Coordinator) SyncDevice(ctx context.Context, deviceID string) (string, error) {
	if deviceID == "" {
		return "", errors.New("sync coordinator: device id required")
	}

	lock := c.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	snapshot, err := c.store.Get(ctx, deviceID)
	if err != nil {
		return "", err
	}
	prev := configcache.StatusUnknown
	if snapshot == nil {
		snapshot = &configcache.Snapshot{DeviceID: deviceID, Status: configcache.StatusUnknown}
	} else {
		prev = snapshot.Status
	}
	snapshot.Status = configcache.StatusPendingSync
	if err := c.store.Put(ctx, snapshot); err != nil {
		return "", err
	}

	cmd, err := c.dispatcher.Send(ctx, deviceID, commands.TypeSettings, map[string]any{"action": "read"})
	if err != nil {
		snapshot.Status = prev
		if putErr := c.store.Put(ctx, snapshot); putErr != nil {
			c.logger.Printf("config sync rollback failed: device=%s err=%v", deviceID, putErr)
		}
		metrics.IncSyncRequest(metrics.SyncResultFailed)
		return "", err
	}

	c.mu.Lock()
	c.pending[cmd.ID] = pendingSync{deviceID: deviceID, full: true, prevStatus: prev}
	c.mu.Unlock()

	metrics.IncSyncRequest(metrics.SyncResultPending)
	c.logger.Printf("config sync requested: device=%s command=%s", deviceID, cmd.ID)
	return cmd.ID, nil
}

// RequestKey dispatches a single-key configuration read. The device's sync
// status is untouched; only the requested key is merged on ack.
func (c *Coordinator) RequestKey(ctx context.Context, deviceID, key string) (string, error) {
	if deviceID == "" {
		return "", errors.New("sync coordinator: device id required")
	}
	if key == "" {
		return "", errors.New("sync coordinator: config key required")
	}
	cmd, err := c.dispatcher.Send(ctx, deviceID, commands.TypeSettings, map[string]any{"action": "read", "key": key})
	if err != nil {
		metrics.IncSyncRequest(metrics.SyncResultFailed)
		return "", err
	}

	c.mu.Lock()
	c.pending[cmd.ID] = pendingSync{deviceID: deviceID, key: key}
	c.mu.Unlock()

	metrics.IncSyncRequest(metrics.SyncResultPending)
	return cmd.ID, nil
}

// BulkResult is one device's outcome within a bulk sync.
type BulkResult struct {
	DeviceID  string `json:"device_id"`
	CommandID string `json:"command_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// BulkSync fans SyncDevice out over the device list concurrently. It
// always returns one result per requested device; individual failures are
// reported in place, never escalated to an overall failure.
func (c *Coordinator) BulkSync(ctx context.Context, deviceIDs []string) []BulkResult {
	results := make([]BulkResult, len(deviceIDs))
	var wg sync.WaitGroup
	for i, deviceID := range deviceIDs {
		wg.Add(1)
		go func(i int, deviceID string) {
			defer wg.Done()
			commandID, err := c.SyncDevice(ctx, deviceID)
			if err != nil {
				results[i] = BulkResult{DeviceID: deviceID, Status: "failed", Error: err.Error()}
				return
			}
			results[i] = BulkResult{DeviceID: deviceID, CommandID: commandID, Status: "pending"}
		}(i, deviceID)
	}
	wg.Wait()
	return results
}

// HandleCommandAcked consumes CommandAcked events. Full syncs replace the
// snapshot wholesale; single-key requests merge just the requested key;
// acks of SETTINGS write commands merge everything the device reported.
func (c *Coordinator) HandleCommandAcked(ctx context.Context, event any) error {
	evt, ok := event.(commandsevents.CommandAcked)
	if !ok {
		return nil
	}
	if !evt.Type.ConfigAffecting() {
		return nil
	}

	c.mu.Lock()
	pending, tracked := c.pending[evt.CommandID]
	delete(c.pending, evt.CommandID)
	c.mu.Unlock()

	lock := c.deviceLock(evt.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	now := c.clock.Now()
	if tracked && pending.full {
		// Full sync: the reported values are the device's whole applied
		// configuration, so the snapshot is replaced, not merged.
		snapshot := &configcache.Snapshot{
			DeviceID:        evt.DeviceID,
			AppliedSettings: evt.ReportedValues,
			SourceCommandID: evt.CommandID,
			SyncedAt:        now,
			Status:          configcache.StatusFresh,
		}
		if err := c.store.Put(ctx, snapshot); err != nil {
			return err
		}
		c.logger.Printf("config sync complete: device=%s command=%s keys=%d",
			evt.DeviceID, evt.CommandID, len(evt.ReportedValues))
		return nil
	}

	snapshot, err := c.store.Get(ctx, evt.DeviceID)
	if err != nil {
		return err
	}
	if !tracked && snapshot != nil && snapshot.Status == configcache.StatusPendingSync {
		// A sync issued before a restart is gone from the pending map but
		// its PENDING_SYNC status survives in the store. The ack carries
		// the device's full configuration, so it completes as a replace.
		replacement := &configcache.Snapshot{
			DeviceID:        evt.DeviceID,
			AppliedSettings: evt.ReportedValues,
			SourceCommandID: evt.CommandID,
			SyncedAt:        now,
			Status:          configcache.StatusFresh,
		}
		if err := c.store.Put(ctx, replacement); err != nil {
			return err
		}
		c.logger.Printf("config sync complete: device=%s command=%s keys=%d",
			evt.DeviceID, evt.CommandID, len(evt.ReportedValues))
		return nil
	}
	if snapshot == nil {
		snapshot = &configcache.Snapshot{DeviceID: evt.DeviceID, Status: configcache.StatusUnknown}
	}
	if snapshot.AppliedSettings == nil {
		snapshot.AppliedSettings = make(map[string]any)
	}

	if tracked && pending.key != "" {
		if value, ok := evt.ReportedValues[pending.key]; ok {
			snapshot.AppliedSettings[pending.key] = value
		}
	} else {
		for key, value := range evt.ReportedValues {
			snapshot.AppliedSettings[key] = value
		}
	}
	snapshot.SourceCommandID = evt.CommandID
	snapshot.SyncedAt = now
	return c.store.Put(ctx, snapshot)
}

// HandleCommandFailed consumes CommandFailed events, restoring the prior
// sync status when a full sync dies so the device never sticks in
// PENDING_SYNC.
func (c *Coordinator) HandleCommandFailed(ctx context.Context, event any) error {
	evt, ok := event.(commandsevents.CommandFailed)
	if !ok {
		return nil
	}

	c.mu.Lock()
	pending, tracked := c.pending[evt.CommandID]
	delete(c.pending, evt.CommandID)
	c.mu.Unlock()

	if !tracked {
		return c.releaseUntrackedFailure(ctx, evt)
	}
	if !pending.full {
		return nil
	}

	lock := c.deviceLock(pending.deviceID)
	lock.Lock()
	defer lock.Unlock()

	snapshot, err := c.store.Get(ctx, pending.deviceID)
	if err != nil {
		return err
	}
	if snapshot == nil || snapshot.Status != configcache.StatusPendingSync {
		return nil
	}
	snapshot.Status = pending.prevStatus
	if err := c.store.Put(ctx, snapshot); err != nil {
		return err
	}
	metrics.IncSyncRequest(metrics.SyncResultFailed)
	c.logger.Printf("config sync failed: device=%s command=%s reason=%q",
		pending.deviceID, evt.CommandID, evt.Reason)
	return nil
}

// releaseUntrackedFailure handles a failed SETTINGS command this process
// never registered, a sync from before a restart. The prior status is
// unrecoverable, so PENDING_SYNC releases to STALE when a previous sync
// exists and to UNKNOWN otherwise.
func (c *Coordinator) releaseUntrackedFailure(ctx context.Context, evt commandsevents.CommandFailed) error {
	if !evt.Type.ConfigAffecting() {
		return nil
	}

	lock := c.deviceLock(evt.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	snapshot, err := c.store.Get(ctx, evt.DeviceID)
	if err != nil {
		return err
	}
	if snapshot == nil || snapshot.Status != configcache.StatusPendingSync {
		return nil
	}
	snapshot.Status = configcache.StatusUnknown
	if !snapshot.SyncedAt.IsZero() {
		snapshot.Status = configcache.StatusStale
	}
	if err := c.store.Put(ctx, snapshot); err != nil {
		return err
	}
	metrics.IncSyncRequest(metrics.SyncResultFailed)
	c.logger.Printf("config sync failed: device=%s command=%s reason=%q",
		evt.DeviceID, evt.CommandID, evt.Reason)
	return nil
}

func (c *Coordinator) deviceLock(deviceID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[deviceID] = lock
	}
	return lock
}
