package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrDeviceNotConnected is returned by Publish when the target device has no
// live channel. The command core treats this as a terminal failure: absence
// of a channel is not a transient condition this side can resolve.
var ErrDeviceNotConnected = errors.New("transport: device not connected")

// CommandEnvelope is the outbound message to a device. The correlation id
// rides in the payload itself because the transport has no native
// request/reply semantics.
type CommandEnvelope struct {
	CommandID  string         `json:"command_id"`
	DeviceID   string         `json:"device_id"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// AckEnvelope is the inbound acknowledgment from a device.
type AckEnvelope struct {
	CommandID      string         `json:"command_id"`
	DeviceID       string         `json:"device_id"`
	Status         string         `json:"status"`
	ReportedValues map[string]any `json:"reported_values,omitempty"`
}

// PubOptions carries optional publish settings.
type PubOptions struct {
	// DeduplicationID lets the broker drop duplicate publishes of the same
	// logical message inside its dedup window. Retries reuse the command id
	// so the broker sees replays, not new messages.
	DeduplicationID string
}

// Handler consumes one inbound message payload.
type Handler func(ctx context.Context, payload []byte) error

// Publisher sends messages to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...PubOptions) error
}

// Subscriber registers a handler for a subject.
type Subscriber interface {
	Subscribe(subject string, handler Handler) error
}

// Adapter is the full publish/subscribe boundary.
type Adapter interface {
	Publisher
	Subscriber
}

// CommandSubject returns the per-device command subject.
func CommandSubject(deviceID string) string {
	return "fieldlink.device." + deviceID + ".cmd"
}

// AckSubject is the shared subject devices publish acknowledgments on.
const AckSubject = "fieldlink.device.ack"

// EncodeCommand marshals a command envelope.
func EncodeCommand(env CommandEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeAck unmarshals an ack envelope.
func DecodeAck(payload []byte) (AckEnvelope, error) {
	var env AckEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return AckEnvelope{}, err
	}
	if env.CommandID == "" {
		return AckEnvelope{}, errors.New("transport: ack missing command_id")
	}
	return env, nil
}
