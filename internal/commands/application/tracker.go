package application

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"fieldlink-cloud/internal/clock"
	commandsevents "fieldlink-cloud/internal/commands/application/events"
	commands "fieldlink-cloud/internal/commands/domain"
	"fieldlink-cloud/internal/eventbus"
	"fieldlink-cloud/internal/observability/metrics"
	"fieldlink-cloud/internal/transport"
)

// DefaultPageSize bounds acknowledgment history pages.
const DefaultPageSize = 50

// Tracker consumes inbound acknowledgments, correlates them to commands by
// id and serves status, history and statistics queries.
type Tracker struct {
	store       commands.Store
	bus         eventbus.EventBus
	clock       clock.Clock
	logger      *log.Logger
	statsWindow time.Duration
}

// NewTracker constructs a tracker.
func NewTracker(store commands.Store, bus eventbus.EventBus, clk clock.Clock, cfg DispatchConfig, logger *log.Logger) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("tracker: nil store")
	}
	if bus == nil {
		return nil, errors.New("tracker: nil bus")
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = log.Default()
	}
	window := cfg.StatsWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Tracker{store: store, bus: bus, clock: clk, logger: logger, statsWindow: window}, nil
}

// OnAcknowledgment correlates an inbound ack to its command. Unsolicited
// acks and re-deliveries for already-terminal commands are logged and
// dropped; they never disturb recorded state or statistics.
func (t *Tracker) OnAcknowledgment(ctx context.Context, ack transport.AckEnvelope) error {
	cmd, err := t.store.Get(ctx, ack.CommandID)
	if err != nil {
		return err
	}
	if cmd == nil {
		t.logger.Printf("ack dropped: command=%s reason=unknown", ack.CommandID)
		metrics.IncAckDropped(metrics.AckDropUnknown)
		return nil
	}
	if cmd.State.Terminal() {
		t.logger.Printf("ack dropped: command=%s state=%s reason=duplicate", ack.CommandID, cmd.State)
		metrics.IncAckDropped(metrics.AckDropDuplicate)
		return nil
	}
	if cmd.State == commands.StatePending {
		t.logger.Printf("ack dropped: command=%s reason=not-yet-sent", ack.CommandID)
		metrics.IncAckDropped(metrics.AckDropEarly)
		return nil
	}

	now := t.clock.Now()
	latencyMs := now.Sub(cmd.LastAttemptAt).Milliseconds()
	if latencyMs < 1 {
		latencyMs = 1
	}

	state := commands.StateAcked
	if reportedSuccess(ack.Status) {
		state = commands.StateSucceeded
	}
	applied, err := t.store.MarkAcked(ctx, cmd.ID, state, latencyMs, now)
	if err != nil {
		return err
	}
	if !applied {
		// Lost the race against a concurrent sweep or duplicate delivery.
		t.logger.Printf("ack dropped: command=%s reason=raced", ack.CommandID)
		metrics.IncAckDropped(metrics.AckDropDuplicate)
		return nil
	}

	metrics.IncCommandResult(string(state))
	metrics.ObserveAckLatency(float64(latencyMs) / 1000.0)
	t.logger.Printf("command acked: command=%s device=%s state=%s latency_ms=%d attempt=%d",
		cmd.ID, cmd.DeviceID, state, latencyMs, cmd.AttemptCount)

	return t.bus.Publish(ctx, commandsevents.CommandAcked{
		CommandID:      cmd.ID,
		DeviceID:       cmd.DeviceID,
		Type:           cmd.Type,
		State:          state,
		ReportedValues: ack.ReportedValues,
		LatencyMs:      latencyMs,
		OccurredAt:     now,
	})
}

// GetCommandStatus returns a command by id, ErrNotFound when unknown.
func (t *Tracker) GetCommandStatus(ctx context.Context, commandID string) (*commands.Command, error) {
	cmd, err := t.store.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, ErrNotFound
	}
	return cmd, nil
}

// DeviceAcknowledgments returns a device's command history, newest first.
// Pages are 1-based.
func (t *Tracker) DeviceAcknowledgments(ctx context.Context, deviceID string, page int) ([]commands.Command, error) {
	if page < 1 {
		page = 1
	}
	return t.store.ListByDevice(ctx, deviceID, DefaultPageSize, (page-1)*DefaultPageSize)
}

// PendingAcknowledgments returns a device's commands still awaiting an ack.
func (t *Tracker) PendingAcknowledgments(ctx context.Context, deviceID string) ([]commands.Command, error) {
	return t.store.ListPending(ctx, deviceID)
}

// DeviceStats aggregates a device's state counts and ack latencies over the
// configured window.
type DeviceStats struct {
	DeviceID      string                 `json:"device_id"`
	Counts        map[commands.State]int `json:"counts"`
	AckedInWindow int                    `json:"acked_in_window"`
	MeanLatencyMs float64                `json:"mean_latency_ms"`
	P95LatencyMs  int64                  `json:"p95_latency_ms"`
	WindowStart   time.Time              `json:"window_start"`
}

// GetDeviceAckStats computes per-device acknowledgment statistics.
func (t *Tracker) GetDeviceAckStats(ctx context.Context, deviceID string) (*DeviceStats, error) {
	counts, err := t.store.CountByState(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	since := t.clock.Now().Add(-t.statsWindow)
	latencies, err := t.store.AckLatencies(ctx, deviceID, since)
	if err != nil {
		return nil, err
	}
	mean, p95 := latencyStats(latencies)
	return &DeviceStats{
		DeviceID:      deviceID,
		Counts:        counts,
		AckedInWindow: len(latencies),
		MeanLatencyMs: mean,
		P95LatencyMs:  p95,
		WindowStart:   since,
	}, nil
}

// SystemOverview aggregates command states and latencies across all devices.
type SystemOverview struct {
	Counts        map[commands.State]int `json:"counts"`
	Total         int                    `json:"total"`
	AckedInWindow int                    `json:"acked_in_window"`
	MeanLatencyMs float64                `json:"mean_latency_ms"`
	P95LatencyMs  int64                  `json:"p95_latency_ms"`
	WindowStart   time.Time              `json:"window_start"`
}

// GetSystemAckOverview computes system-wide acknowledgment statistics.
func (t *Tracker) GetSystemAckOverview(ctx context.Context) (*SystemOverview, error) {
	counts, err := t.store.CountByState(ctx, "")
	if err != nil {
		return nil, err
	}
	total := 0
	for _, count := range counts {
		total += count
	}
	since := t.clock.Now().Add(-t.statsWindow)
	latencies, err := t.store.AckLatencies(ctx, "", since)
	if err != nil {
		return nil, err
	}
	mean, p95 := latencyStats(latencies)
	return &SystemOverview{
		Counts:        counts,
		Total:         total,
		AckedInWindow: len(latencies),
		MeanLatencyMs: mean,
		P95LatencyMs:  p95,
		WindowStart:   since,
	}, nil
}

// reportedSuccess distinguishes a device saying "settings applied" from a
// plain delivery acknowledgment. Anything else lands in ACKED.
func reportedSuccess(status string) bool {
	switch status {
	case "success", "succeeded", "applied", "completed":
		return true
	default:
		return false
	}
}

func latencyStats(latencies []int64) (mean float64, p95 int64) {
	if len(latencies) == 0 {
		return 0, 0
	}
	sorted := append([]int64(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum int64
	for _, v := range sorted {
		sum += v
	}
	mean = float64(sum) / float64(len(sorted))
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	p95 = sorted[idx]
	return mean, p95
}
