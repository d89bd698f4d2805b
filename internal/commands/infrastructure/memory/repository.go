package memory

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	commands "fieldlink-cloud/internal/commands/domain"
)

// CommandRepository is an in-memory command store. A single mutex guards the
// map; transition methods check the current state under the lock, which
// serializes writers per command the same way the postgres store's guarded
// UPDATEs do. Commands due for retry are indexed by a min-heap keyed on
// lastAttemptAt; stale heap entries are dropped lazily on pop.
type CommandRepository struct {
	mu   sync.Mutex
	byID map[string]*commands.Command
	due  dueHeap
}

// NewCommandRepository constructs an empty repository.
func NewCommandRepository() *CommandRepository {
	return &CommandRepository{byID: make(map[string]*commands.Command)}
}

// Create inserts a command.
func (r *CommandRepository) Create(_ context.Context, cmd *commands.Command) error {
	if cmd == nil {
		return errors.New("command repo: nil command")
	}
	if cmd.ID == "" {
		return errors.New("command repo: empty command id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[cmd.ID]; exists {
		return errors.New("command repo: duplicate command id")
	}
	clone := *cmd
	r.byID[cmd.ID] = &clone
	return nil
}

// Get fetches a command by id, nil when unknown.
func (r *CommandRepository) Get(_ context.Context, id string) (*commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	clone := *cmd
	return &clone, nil
}

// MarkSent applies PENDING→SENT.
func (r *CommandRepository) MarkSent(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.byID[id]
	if !ok || cmd.State != commands.StatePending {
		return false, nil
	}
	cmd.State = commands.StateSent
	cmd.AttemptCount = 1
	cmd.LastAttemptAt = at.UTC()
	heap.Push(&r.due, dueEntry{id: id, at: cmd.LastAttemptAt})
	return true, nil
}

// MarkRetrying applies SENT→RETRYING.
func (r *CommandRepository) MarkRetrying(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.byID[id]
	if !ok || cmd.State != commands.StateSent {
		return false, nil
	}
	cmd.State = commands.StateRetrying
	return true, nil
}

// MarkAttempt applies RETRYING→SENT after a replay.
func (r *CommandRepository) MarkAttempt(_ context.Context, id string, attempt int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.byID[id]
	if !ok || cmd.State != commands.StateRetrying {
		return false, nil
	}
	if attempt > cmd.MaxAttempts {
		return false, errors.New("command repo: attempt exceeds max attempts")
	}
	cmd.State = commands.StateSent
	cmd.AttemptCount = attempt
	cmd.LastAttemptAt = at.UTC()
	heap.Push(&r.due, dueEntry{id: id, at: cmd.LastAttemptAt})
	return true, nil
}

// MarkAcked applies SENT|RETRYING→ACKED or SUCCEEDED.
func (r *CommandRepository) MarkAcked(_ context.Context, id string, state commands.State, latencyMs int64, at time.Time) (bool, error) {
	if state != commands.StateAcked && state != commands.StateSucceeded {
		return false, errors.New("command repo: invalid ack state")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.byID[id]
	if !ok {
		return false, nil
	}
	if cmd.State != commands.StateSent && cmd.State != commands.StateRetrying {
		return false, nil
	}
	cmd.State = state
	cmd.AckLatencyMs = latencyMs
	cmd.AckedAt = at.UTC()
	cmd.LastError = ""
	return true, nil
}

// MarkFailed applies any non-terminal state→FAILED.
func (r *CommandRepository) MarkFailed(_ context.Context, id string, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.byID[id]
	if !ok || cmd.State.Terminal() {
		return false, nil
	}
	cmd.State = commands.StateFailed
	cmd.LastError = reason
	return true, nil
}

// Reopen applies FAILED→SENT for an operator-initiated retry.
func (r *CommandRepository) Reopen(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.byID[id]
	if !ok || cmd.State != commands.StateFailed {
		return false, nil
	}
	cmd.State = commands.StateSent
	cmd.AttemptCount = 1
	cmd.LastAttemptAt = at.UTC()
	cmd.LastError = ""
	cmd.AckLatencyMs = 0
	cmd.AckedAt = time.Time{}
	heap.Push(&r.due, dueEntry{id: id, at: cmd.LastAttemptAt})
	return true, nil
}

// ListByDevice returns a device's commands newest first.
func (r *CommandRepository) ListByDevice(_ context.Context, deviceID string, limit, offset int) ([]commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []commands.Command
	for _, cmd := range r.byID {
		if cmd.DeviceID == deviceID {
			result = append(result, *cmd)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListPending returns a device's non-terminal commands.
func (r *CommandRepository) ListPending(_ context.Context, deviceID string) ([]commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []commands.Command
	for _, cmd := range r.byID {
		if cmd.DeviceID == deviceID && !cmd.State.Terminal() {
			result = append(result, *cmd)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// ListDue pops due commands from the heap, skipping entries invalidated by
// a later attempt or a terminal transition.
func (r *CommandRepository) ListDue(_ context.Context, cutoff time.Time, limit int) ([]commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []commands.Command
	var requeue []dueEntry
	for r.due.Len() > 0 {
		entry := r.due[0]
		if entry.at.After(cutoff) {
			break
		}
		heap.Pop(&r.due)
		cmd, ok := r.byID[entry.id]
		if !ok {
			continue
		}
		if cmd.State != commands.StateSent && cmd.State != commands.StateRetrying {
			continue
		}
		if !cmd.LastAttemptAt.Equal(entry.at) {
			continue
		}
		result = append(result, *cmd)
		// Re-queue so the command stays indexed if the sweep dies before
		// recording an attempt or a failure. A successful attempt pushes a
		// fresh entry and this one is skipped as stale.
		requeue = append(requeue, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	for _, entry := range requeue {
		heap.Push(&r.due, entry)
	}
	return result, nil
}

// CountByState tallies commands per state.
func (r *CommandRepository) CountByState(_ context.Context, deviceID string) (map[commands.State]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[commands.State]int)
	for _, cmd := range r.byID {
		if deviceID != "" && cmd.DeviceID != deviceID {
			continue
		}
		counts[cmd.State]++
	}
	return counts, nil
}

// AckLatencies returns latencies for commands whose ack landed at or after
// the cutoff. The window keys on the ack, not creation: a long-pending
// command acked inside the window counts.
func (r *CommandRepository) AckLatencies(_ context.Context, deviceID string, since time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []int64
	for _, cmd := range r.byID {
		if deviceID != "" && cmd.DeviceID != deviceID {
			continue
		}
		if cmd.State != commands.StateAcked && cmd.State != commands.StateSucceeded {
			continue
		}
		if cmd.AckedAt.Before(since) {
			continue
		}
		result = append(result, cmd.AckLatencyMs)
	}
	return result, nil
}

type dueEntry struct {
	id string
	at time.Time
}

type dueHeap []dueEntry

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h dueHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *dueHeap) Push(x any)        { *h = append(*h, x.(dueEntry)) }
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
