package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	commands "fieldlink-cloud/internal/commands/domain"
)

// CommandRepository is a Postgres implementation of the command store.
// State transitions are guarded UPDATEs: the WHERE clause names the states
// the machine permits, and RowsAffected reports whether the transition
// applied. A concurrent ack and retry sweep therefore serialize per row.
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

// Create inserts a command.
func (r *CommandRepository) Create(ctx context.Context, cmd *commands.Command) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if cmd == nil {
		return errors.New("command repo: nil command")
	}
	params, err := json.Marshal(cmd.Parameters)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO commands (
	command_id, device_id, command_type, parameters, state, created_at,
	last_attempt_at, attempt_count, max_attempts, acked_at, ack_latency_ms, last_error
) VALUES (
	$1, $2, $3, $4, $5, $6, NULL, 0, $7, NULL, NULL, NULL
)`, cmd.ID, cmd.DeviceID, string(cmd.Type), params, string(cmd.State), cmd.CreatedAt, cmd.MaxAttempts)
	return err
}

// Get fetches a command by id, nil when unknown.
func (r *CommandRepository) Get(ctx context.Context, id string) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT command_id, device_id, command_type, parameters, state, created_at,
	last_attempt_at, attempt_count, max_attempts, acked_at, ack_latency_ms, last_error
FROM commands
WHERE command_id = $1
LIMIT 1`, id)
	return scanCommand(row)
}

// MarkSent applies PENDING→SENT.
func (r *CommandRepository) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.guarded(ctx, `
UPDATE commands
SET state = $1, attempt_count = 1, last_attempt_at = $2
WHERE command_id = $3 AND state = $4`,
		string(commands.StateSent), at, id, string(commands.StatePending))
}

// MarkRetrying applies SENT→RETRYING.
func (r *CommandRepository) MarkRetrying(ctx context.Context, id string) (bool, error) {
	return r.guarded(ctx, `
UPDATE commands
SET state = $1
WHERE command_id = $2 AND state = $3`,
		string(commands.StateRetrying), id, string(commands.StateSent))
}

// MarkAttempt applies RETRYING→SENT after a replay.
func (r *CommandRepository) MarkAttempt(ctx context.Context, id string, attempt int, at time.Time) (bool, error) {
	return r.guarded(ctx, `
UPDATE commands
SET state = $1, attempt_count = $2, last_attempt_at = $3
WHERE command_id = $4 AND state = $5 AND $2 <= max_attempts`,
		string(commands.StateSent), attempt, at, id, string(commands.StateRetrying))
}

// MarkAcked applies SENT|RETRYING→ACKED or SUCCEEDED.
func (r *CommandRepository) MarkAcked(ctx context.Context, id string, state commands.State, latencyMs int64, at time.Time) (bool, error) {
	if state != commands.StateAcked && state != commands.StateSucceeded {
		return false, errors.New("command repo: invalid ack state")
	}
	return r.guarded(ctx, `
UPDATE commands
SET state = $1, ack_latency_ms = $2, acked_at = $3, last_error = NULL
WHERE command_id = $4 AND state IN ($5, $6)`,
		string(state), latencyMs, at, id, string(commands.StateSent), string(commands.StateRetrying))
}

// MarkFailed applies any non-terminal state→FAILED.
func (r *CommandRepository) MarkFailed(ctx context.Context, id string, reason string) (bool, error) {
	return r.guarded(ctx, `
UPDATE commands
SET state = $1, last_error = $2
WHERE command_id = $3 AND state IN ($4, $5, $6)`,
		string(commands.StateFailed), reason, id,
		string(commands.StatePending), string(commands.StateSent), string(commands.StateRetrying))
}

// Reopen applies FAILED→SENT for an operator-initiated retry.
func (r *CommandRepository) Reopen(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.guarded(ctx, `
UPDATE commands
SET state = $1, attempt_count = 1, last_attempt_at = $2, last_error = NULL, ack_latency_ms = NULL, acked_at = NULL
WHERE command_id = $3 AND state = $4`,
		string(commands.StateSent), at, id, string(commands.StateFailed))
}

// ListByDevice returns a device's commands newest first.
func (r *CommandRepository) ListByDevice(ctx context.Context, deviceID string, limit, offset int) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT command_id, device_id, command_type, parameters, state, created_at,
	last_attempt_at, attempt_count, max_attempts, acked_at, ack_latency_ms, last_error
FROM commands
WHERE device_id = $1
ORDER BY created_at DESC, command_id DESC
LIMIT $2 OFFSET $3`, deviceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// ListPending returns a device's non-terminal commands.
func (r *CommandRepository) ListPending(ctx context.Context, deviceID string) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT command_id, device_id, command_type, parameters, state, created_at,
	last_attempt_at, attempt_count, max_attempts, acked_at, ack_latency_ms, last_error
FROM commands
WHERE device_id = $1 AND state IN ($2, $3, $4)
ORDER BY created_at DESC`, deviceID,
		string(commands.StatePending), string(commands.StateSent), string(commands.StateRetrying))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// ListDue returns commands overdue for an acknowledgment, oldest first.
// Backed by an index on (state, last_attempt_at).
func (r *CommandRepository) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT command_id, device_id, command_type, parameters, state, created_at,
	last_attempt_at, attempt_count, max_attempts, acked_at, ack_latency_ms, last_error
FROM commands
WHERE state IN ($1, $2) AND last_attempt_at <= $3
ORDER BY last_attempt_at ASC
LIMIT $4`, string(commands.StateSent), string(commands.StateRetrying), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// CountByState tallies commands per state.
func (r *CommandRepository) CountByState(ctx context.Context, deviceID string) (map[commands.State]int, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	query := `SELECT state, COUNT(*) FROM commands GROUP BY state`
	args := []any{}
	if deviceID != "" {
		query = `SELECT state, COUNT(*) FROM commands WHERE device_id = $1 GROUP BY state`
		args = append(args, deviceID)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[commands.State]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[commands.State(state)] = count
	}
	return counts, rows.Err()
}

// AckLatencies returns latencies for commands whose ack landed at or after
// the cutoff. The window keys on the ack, not creation: a long-pending
// command acked inside the window counts.
func (r *CommandRepository) AckLatencies(ctx context.Context, deviceID string, since time.Time) ([]int64, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	query := `
SELECT ack_latency_ms FROM commands
WHERE state IN ($1, $2) AND acked_at >= $3 AND ack_latency_ms IS NOT NULL`
	args := []any{string(commands.StateAcked), string(commands.StateSucceeded), since}
	if deviceID != "" {
		query += ` AND device_id = $4`
		args = append(args, deviceID)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []int64
	for rows.Next() {
		var latency int64
		if err := rows.Scan(&latency); err != nil {
			return nil, err
		}
		result = append(result, latency)
	}
	return result, rows.Err()
}

func (r *CommandRepository) guarded(ctx context.Context, query string, args ...any) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("command repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*commands.Command, error) {
	var cmd commands.Command
	var cmdType, state string
	var params []byte
	var lastAttemptAt, ackedAt sql.NullTime
	var latency sql.NullInt64
	var lastError sql.NullString
	if err := row.Scan(
		&cmd.ID,
		&cmd.DeviceID,
		&cmdType,
		&params,
		&state,
		&cmd.CreatedAt,
		&lastAttemptAt,
		&cmd.AttemptCount,
		&cmd.MaxAttempts,
		&ackedAt,
		&latency,
		&lastError,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cmd.Type = commands.Type(cmdType)
	cmd.State = commands.State(state)
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cmd.Parameters); err != nil {
			return nil, err
		}
	}
	if lastAttemptAt.Valid {
		cmd.LastAttemptAt = lastAttemptAt.Time.UTC()
	}
	if ackedAt.Valid {
		cmd.AckedAt = ackedAt.Time.UTC()
	}
	if latency.Valid {
		cmd.AckLatencyMs = latency.Int64
	}
	if lastError.Valid {
		cmd.LastError = lastError.String
	}
	return &cmd, nil
}

func collectCommands(rows *sql.Rows) ([]commands.Command, error) {
	var result []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
