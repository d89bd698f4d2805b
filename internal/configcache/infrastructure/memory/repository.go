package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	configcache "fieldlink-cloud/internal/configcache/domain"
)

// SnapshotRepository is an in-memory snapshot store.
type SnapshotRepository struct {
	mu       sync.RWMutex
	byDevice map[string]configcache.Snapshot
}

// NewSnapshotRepository constructs an empty repository.
func NewSnapshotRepository() *SnapshotRepository {
	return &SnapshotRepository{byDevice: make(map[string]configcache.Snapshot)}
}

// Get fetches a device's snapshot, nil when absent.
func (r *SnapshotRepository) Get(_ context.Context, deviceID string) (*configcache.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot, ok := r.byDevice[deviceID]
	if !ok {
		return nil, nil
	}
	clone := snapshot
	clone.AppliedSettings = cloneSettings(snapshot.AppliedSettings)
	return &clone, nil
}

// Put replaces a device's snapshot.
func (r *SnapshotRepository) Put(_ context.Context, snapshot *configcache.Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot repo: nil snapshot")
	}
	if snapshot.DeviceID == "" {
		return errors.New("snapshot repo: empty device id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *snapshot
	clone.AppliedSettings = cloneSettings(snapshot.AppliedSettings)
	r.byDevice[snapshot.DeviceID] = clone
	return nil
}

// List returns all snapshots ordered by device id.
func (r *SnapshotRepository) List(_ context.Context) ([]configcache.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]configcache.Snapshot, 0, len(r.byDevice))
	for _, snapshot := range r.byDevice {
		clone := snapshot
		clone.AppliedSettings = cloneSettings(snapshot.AppliedSettings)
		result = append(result, clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result, nil
}

func cloneSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	clone := make(map[string]any, len(settings))
	for key, value := range settings {
		clone[key] = value
	}
	return clone
}
