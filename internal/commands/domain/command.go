package commands

import "time"

// Type identifies the device operation a command requests.
type Type string

const (
	TypeInterrupt Type = "INTERRUPT"
	TypeManual    Type = "MANUAL"
	TypeNormal    Type = "NORMAL"
	TypeDPOL      Type = "DPOL"
	TypeInst      Type = "INST"
	TypeSettings  Type = "SETTINGS"
)

// ParseType validates a command type string.
func ParseType(value string) (Type, bool) {
	switch Type(value) {
	case TypeInterrupt, TypeManual, TypeNormal, TypeDPOL, TypeInst, TypeSettings:
		return Type(value), true
	default:
		return "", false
	}
}

// ConfigAffecting reports whether acks for this type carry settings that
// should refresh the device's configuration snapshot.
func (t Type) ConfigAffecting() bool {
	return t == TypeSettings
}

// State is a command's position in its lifecycle.
type State string

const (
	StatePending   State = "PENDING"
	StateSent      State = "SENT"
	StateRetrying  State = "RETRYING"
	StateAcked     State = "ACKED"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether the state admits no further automatic transition.
func (s State) Terminal() bool {
	switch s {
	case StateAcked, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}

var transitions = map[State][]State{
	StatePending:  {StateSent, StateFailed},
	StateSent:     {StateRetrying, StateAcked, StateSucceeded, StateFailed},
	StateRetrying: {StateSent, StateAcked, StateSucceeded, StateFailed},
}

// CanTransition reports whether the state machine permits from→to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Command is an instruction sent to a remote field device, correlated with
// its eventual acknowledgment by ID.
type Command struct {
	ID            string         `json:"command_id"`
	DeviceID      string         `json:"device_id"`
	Type          Type           `json:"type"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	State         State          `json:"state"`
	CreatedAt     time.Time      `json:"created_at"`
	LastAttemptAt time.Time      `json:"last_attempt_at"`
	AttemptCount  int            `json:"attempt_count"`
	MaxAttempts   int            `json:"max_attempts"`
	AckedAt       time.Time      `json:"acked_at"`
	AckLatencyMs  int64          `json:"ack_latency_ms,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}
