package application

import (
	"context"
	"errors"
	"log"
	"time"

	"fieldlink-cloud/internal/clock"
	configcache "fieldlink-cloud/internal/configcache/domain"
	"fieldlink-cloud/internal/observability/metrics"
)

// ErrSnapshotNotFound marks reads for a device the cache has never seen.
var ErrSnapshotNotFound = errors.New("configcache: snapshot not found")

// Cache serves cached device configuration snapshots. Reads never trigger
// network activity; staleness is derived from the TTL at read time so a
// snapshot goes STALE by clock alone, with no background marker.
type Cache struct {
	store  configcache.Store
	clock  clock.Clock
	logger *log.Logger
	ttl    time.Duration
}

// NewCache constructs a cache.
func NewCache(store configcache.Store, clk clock.Clock, ttl time.Duration, logger *log.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("configcache: nil store")
	}
	if ttl <= 0 {
		return nil, errors.New("configcache: ttl must be positive")
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{store: store, clock: clk, logger: logger, ttl: ttl}, nil
}

// Get returns the snapshot for a device with its effective sync status.
func (c *Cache) Get(ctx context.Context, deviceID string) (*configcache.Snapshot, error) {
	snapshot, err := c.store.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, ErrSnapshotNotFound
	}
	snapshot.Status = c.effectiveStatus(snapshot)
	return snapshot, nil
}

// List returns all snapshots with effective sync statuses.
func (c *Cache) List(ctx context.Context) ([]configcache.Snapshot, error) {
	snapshots, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range snapshots {
		snapshots[i].Status = c.effectiveStatus(&snapshots[i])
	}
	return snapshots, nil
}

// Tally counts devices per effective sync status.
func (c *Cache) Tally(ctx context.Context) (map[configcache.SyncStatus]int, error) {
	snapshots, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	tally := make(map[configcache.SyncStatus]int)
	for _, snapshot := range snapshots {
		tally[snapshot.Status]++
	}
	return tally, nil
}

// Reset clears one device's snapshot to UNKNOWN. It deliberately does not
// trigger a resync; pairing reset with bulk sync would amplify traffic
// without bound.
func (c *Cache) Reset(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("configcache: device id required")
	}
	err := c.store.Put(ctx, &configcache.Snapshot{
		DeviceID: deviceID,
		Status:   configcache.StatusUnknown,
	})
	if err != nil {
		return err
	}
	metrics.IncCacheReset()
	c.logger.Printf("config cache reset: device=%s", deviceID)
	return nil
}

// ResetAll clears every snapshot to UNKNOWN.
func (c *Cache) ResetAll(ctx context.Context) (int, error) {
	snapshots, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, snapshot := range snapshots {
		if err := c.Reset(ctx, snapshot.DeviceID); err != nil {
			return 0, err
		}
	}
	return len(snapshots), nil
}

func (c *Cache) effectiveStatus(snapshot *configcache.Snapshot) configcache.SyncStatus {
	if snapshot.Status == configcache.StatusFresh &&
		c.clock.Now().Sub(snapshot.SyncedAt) > c.ttl {
		return configcache.StatusStale
	}
	return snapshot.Status
}
