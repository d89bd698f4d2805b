package events

import (
	"time"

	commands "fieldlink-cloud/internal/commands/domain"
)

// CommandAcked is published when an acknowledgment moves a command to a
// terminal ack state.
type CommandAcked struct {
	CommandID      string         `json:"command_id"`
	DeviceID       string         `json:"device_id"`
	Type           commands.Type  `json:"type"`
	State          commands.State `json:"state"`
	ReportedValues map[string]any `json:"reported_values,omitempty"`
	LatencyMs      int64          `json:"latency_ms"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// CommandFailed is published when a command reaches FAILED, whether from a
// dead channel or from exhausting its retry budget.
type CommandFailed struct {
	CommandID  string        `json:"command_id"`
	DeviceID   string        `json:"device_id"`
	Type       commands.Type `json:"type"`
	Reason     string        `json:"reason"`
	OccurredAt time.Time     `json:"occurred_at"`
}
