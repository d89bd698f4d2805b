package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	configcache "fieldlink-cloud/internal/configcache/domain"
)

// SnapshotRepository is a Postgres snapshot store. One row per device,
// replaced wholesale on Put.
type SnapshotRepository struct {
	db *sql.DB
}

// NewSnapshotRepository constructs a repository.
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Get fetches a device's snapshot, nil when absent.
func (r *SnapshotRepository) Get(ctx context.Context, deviceID string) (*configcache.Snapshot, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("snapshot repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT device_id, applied_settings, source_command_id, synced_at, sync_status
FROM config_snapshots
WHERE device_id = $1
LIMIT 1`, deviceID)
	return scanSnapshot(row)
}

// Put replaces a device's snapshot.
func (r *SnapshotRepository) Put(ctx context.Context, snapshot *configcache.Snapshot) error {
	if r == nil || r.db == nil {
		return errors.New("snapshot repo: nil db")
	}
	if snapshot == nil {
		return errors.New("snapshot repo: nil snapshot")
	}
	settings, err := json.Marshal(snapshot.AppliedSettings)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO config_snapshots (device_id, applied_settings, source_command_id, synced_at, sync_status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (device_id) DO UPDATE
SET applied_settings = EXCLUDED.applied_settings,
	source_command_id = EXCLUDED.source_command_id,
	synced_at = EXCLUDED.synced_at,
	sync_status = EXCLUDED.sync_status`,
		snapshot.DeviceID, settings, snapshot.SourceCommandID, snapshot.SyncedAt, string(snapshot.Status))
	return err
}

// List returns all snapshots ordered by device id.
func (r *SnapshotRepository) List(ctx context.Context) ([]configcache.Snapshot, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("snapshot repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT device_id, applied_settings, source_command_id, synced_at, sync_status
FROM config_snapshots
ORDER BY device_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []configcache.Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*configcache.Snapshot, error) {
	var snapshot configcache.Snapshot
	var settings []byte
	var sourceCommandID sql.NullString
	var syncedAt sql.NullTime
	var status string
	if err := row.Scan(&snapshot.DeviceID, &settings, &sourceCommandID, &syncedAt, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &snapshot.AppliedSettings); err != nil {
			return nil, err
		}
	}
	if sourceCommandID.Valid {
		snapshot.SourceCommandID = sourceCommandID.String
	}
	if syncedAt.Valid {
		snapshot.SyncedAt = syncedAt.Time.UTC()
	}
	snapshot.Status = configcache.SyncStatus(status)
	return &snapshot, nil
}
