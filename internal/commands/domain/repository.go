package commands

import (
	"context"
	"time"
)

// Store persists commands. Transition methods are guarded: they apply only
// when the command is in a state the machine permits, and report whether
// the write took effect. That guard is the per-command single-writer
// serialization between an in-flight ack and a concurrent retry sweep.
type Store interface {
	Create(ctx context.Context, cmd *Command) error
	// Get returns nil, nil when the id is unknown.
	Get(ctx context.Context, id string) (*Command, error)

	// MarkSent applies PENDING→SENT, setting attemptCount=1 and lastAttemptAt.
	MarkSent(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkRetrying applies SENT→RETRYING, claiming the command for a sweep.
	MarkRetrying(ctx context.Context, id string) (bool, error)
	// MarkAttempt applies RETRYING→SENT after a replay, recording the attempt.
	MarkAttempt(ctx context.Context, id string, attempt int, at time.Time) (bool, error)
	// MarkAcked applies SENT|RETRYING→ACKED or SUCCEEDED, recording the
	// measured latency and when the ack landed.
	MarkAcked(ctx context.Context, id string, state State, latencyMs int64, at time.Time) (bool, error)
	// MarkFailed applies any non-terminal state→FAILED with a recorded reason.
	MarkFailed(ctx context.Context, id string, reason string) (bool, error)
	// Reopen applies FAILED→SENT for an operator-initiated retry, resetting
	// the attempt cycle.
	Reopen(ctx context.Context, id string, at time.Time) (bool, error)

	// ListByDevice returns a device's commands newest first.
	ListByDevice(ctx context.Context, deviceID string, limit, offset int) ([]Command, error)
	// ListPending returns a device's commands in PENDING, SENT or RETRYING.
	ListPending(ctx context.Context, deviceID string) ([]Command, error)
	// ListDue returns commands in SENT or RETRYING whose lastAttemptAt is at
	// or before the cutoff, oldest first.
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]Command, error)

	// CountByState tallies a device's commands per state. An empty deviceID
	// tallies across all devices.
	CountByState(ctx context.Context, deviceID string) (map[State]int, error)
	// AckLatencies returns latencies of commands whose ack landed at or
	// after the given time. An empty deviceID spans all devices.
	AckLatencies(ctx context.Context, deviceID string, since time.Time) ([]int64, error)
}
