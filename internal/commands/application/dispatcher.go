package application

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"fieldlink-cloud/internal/clock"
	commands "fieldlink-cloud/internal/commands/domain"
	"fieldlink-cloud/internal/observability/metrics"
	"fieldlink-cloud/internal/transport"
)

// Dispatcher builds, persists and publishes commands. Send never waits for
// the device's application-level ack; it returns as soon as the transport
// has accepted (or rejected) the publish.
type Dispatcher struct {
	store       commands.Store
	publisher   transport.Publisher
	clock       clock.Clock
	logger      *log.Logger
	maxAttempts int
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(store commands.Store, publisher transport.Publisher, clk clock.Clock, cfg DispatchConfig, logger *log.Logger) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("dispatcher: nil store")
	}
	if publisher == nil {
		return nil, errors.New("dispatcher: nil publisher")
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("dispatcher: max attempts must be at least 1")
	}
	return &Dispatcher{
		store:       store,
		publisher:   publisher,
		clock:       clk,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// Send allocates a command id, persists the command and publishes it to the
// device's command subject. On a dead channel the command is immediately
// FAILED and ErrDeviceNotConnected is returned; there is no automatic retry
// for that case because nothing on this side can open the channel.
func (d *Dispatcher) Send(ctx context.Context, deviceID string, cmdType commands.Type, parameters map[string]any) (*commands.Command, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id required", ErrInvalidRequest)
	}
	if _, ok := commands.ParseType(string(cmdType)); !ok {
		return nil, fmt.Errorf("%w: unknown command type %q", ErrInvalidRequest, cmdType)
	}

	now := d.clock.Now()
	cmd := &commands.Command{
		ID:          "cmd-" + uuid.NewString(),
		DeviceID:    deviceID,
		Type:        cmdType,
		Parameters:  parameters,
		State:       commands.StatePending,
		CreatedAt:   now,
		MaxAttempts: d.maxAttempts,
	}
	if err := d.store.Create(ctx, cmd); err != nil {
		return nil, err
	}
	metrics.IncCommandIssued(string(cmdType))

	if err := d.publish(ctx, cmd, "1"); err != nil {
		if errors.Is(err, transport.ErrDeviceNotConnected) {
			if _, markErr := d.store.MarkFailed(ctx, cmd.ID, "device not connected"); markErr != nil {
				return nil, markErr
			}
			cmd.State = commands.StateFailed
			cmd.LastError = "device not connected"
			metrics.IncCommandResult(metrics.CommandResultFailed)
			d.logger.Printf("command dispatch refused: command=%s device=%s reason=%q", cmd.ID, deviceID, "device not connected")
			return cmd, ErrDeviceNotConnected
		}
		return nil, err
	}

	at := d.clock.Now()
	if _, err := d.store.MarkSent(ctx, cmd.ID, at); err != nil {
		return nil, err
	}
	cmd.State = commands.StateSent
	cmd.AttemptCount = 1
	cmd.LastAttemptAt = at
	return cmd, nil
}

// Replay re-publishes an existing command's payload under its original id.
// The retry scheduler and manual retry both go through here so a retry is a
// replay, never a new command.
func (d *Dispatcher) Replay(ctx context.Context, cmd *commands.Command, attemptTag string) error {
	if cmd == nil {
		return errors.New("dispatcher: nil command")
	}
	return d.publish(ctx, cmd, attemptTag)
}

// publish keys broker deduplication by (command, attempt) so replays pass
// through while a doubly-delivered single attempt is dropped.
func (d *Dispatcher) publish(ctx context.Context, cmd *commands.Command, attemptTag string) error {
	payload, err := transport.EncodeCommand(transport.CommandEnvelope{
		CommandID:  cmd.ID,
		DeviceID:   cmd.DeviceID,
		Type:       string(cmd.Type),
		Parameters: cmd.Parameters,
	})
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, transport.CommandSubject(cmd.DeviceID), payload,
		transport.PubOptions{DeduplicationID: fmt.Sprintf("%s#%s", cmd.ID, attemptTag)})
}
