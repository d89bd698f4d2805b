package configcache

import (
	"context"
	"time"
)

// SyncStatus describes how trustworthy a cached snapshot is.
type SyncStatus string

const (
	// StatusFresh means the snapshot was confirmed by the device within the TTL.
	StatusFresh SyncStatus = "FRESH"
	// StatusStale means the snapshot outlived the TTL without reconfirmation.
	StatusStale SyncStatus = "STALE"
	// StatusPendingSync means a full-sync command for the device is in flight.
	StatusPendingSync SyncStatus = "PENDING_SYNC"
	// StatusUnknown means the cache holds nothing trustworthy for the device.
	StatusUnknown SyncStatus = "UNKNOWN"
)

// Snapshot is the last-known applied configuration for a device.
type Snapshot struct {
	DeviceID        string         `json:"device_id"`
	AppliedSettings map[string]any `json:"applied_settings,omitempty"`
	SourceCommandID string         `json:"source_command_id,omitempty"`
	SyncedAt        time.Time      `json:"synced_at"`
	Status          SyncStatus     `json:"sync_status"`
}

// Store persists snapshots. Put replaces the whole row for a device;
// partial merges are read-modify-write in the application layer under the
// coordinator's per-device lock.
type Store interface {
	// Get returns nil, nil when the device has no snapshot.
	Get(ctx context.Context, deviceID string) (*Snapshot, error)
	Put(ctx context.Context, snapshot *Snapshot) error
	List(ctx context.Context) ([]Snapshot, error)
}
