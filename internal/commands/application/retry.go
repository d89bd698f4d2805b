package application

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"fieldlink-cloud/internal/clock"
	commandsevents "fieldlink-cloud/internal/commands/application/events"
	commands "fieldlink-cloud/internal/commands/domain"
	"fieldlink-cloud/internal/eventbus"
	"fieldlink-cloud/internal/observability/metrics"
	"fieldlink-cloud/internal/transport"
)

const sweepBatchSize = 200

// RetryScheduler sweeps commands that outlived the ack timeout and replays
// them until the attempt budget runs out. Every command it touches ends in
// a terminal state or stays visible as pending; nothing is dropped without
// a recorded reason.
type RetryScheduler struct {
	store      commands.Store
	dispatcher *Dispatcher
	bus        eventbus.EventBus
	clock      clock.Clock
	logger     *log.Logger
	ackTimeout time.Duration
	interval   time.Duration
}

// NewRetryScheduler constructs a scheduler.
func NewRetryScheduler(store commands.Store, dispatcher *Dispatcher, bus eventbus.EventBus, clk clock.Clock, cfg DispatchConfig, logger *log.Logger) (*RetryScheduler, error) {
	if store == nil {
		return nil, errors.New("retry scheduler: nil store")
	}
	if dispatcher == nil {
		return nil, errors.New("retry scheduler: nil dispatcher")
	}
	if bus == nil {
		return nil, errors.New("retry scheduler: nil bus")
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.AckTimeout <= 0 || cfg.SweepInterval <= 0 {
		return nil, errors.New("retry scheduler: timeout and interval must be positive")
	}
	return &RetryScheduler{
		store:      store,
		dispatcher: dispatcher,
		bus:        bus,
		clock:      clk,
		logger:     logger,
		ackTimeout: cfg.AckTimeout,
		interval:   cfg.SweepInterval,
	}, nil
}

// Start runs the sweep loop until the context is cancelled.
func (s *RetryScheduler) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			if _, err := s.SweepOnce(ctx, now.UTC()); err != nil {
				s.logger.Printf("retry sweep error: %v", err)
			}
		}
	}
}

// SweepOnce processes all commands due at the given time and returns how
// many it acted on.
func (s *RetryScheduler) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.ackTimeout)
	due, err := s.store.ListDue(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	acted := 0
	for i := range due {
		cmd := due[i]
		if err := s.handleDue(ctx, &cmd, now); err != nil {
			s.logger.Printf("retry error: command=%s err=%v", cmd.ID, err)
			continue
		}
		acted++
	}
	return acted, nil
}

func (s *RetryScheduler) handleDue(ctx context.Context, cmd *commands.Command, now time.Time) error {
	if cmd.AttemptCount >= cmd.MaxAttempts {
		return s.fail(ctx, cmd, "timeout exceeded max attempts")
	}

	// A command already in RETRYING was claimed by a sweep that never
	// recorded its attempt; take it over rather than strand it.
	if cmd.State == commands.StateSent {
		claimed, err := s.store.MarkRetrying(ctx, cmd.ID)
		if err != nil {
			return err
		}
		if !claimed {
			// An ack slipped in between the due scan and the claim.
			return nil
		}
	}

	attempt := cmd.AttemptCount + 1
	if err := s.dispatcher.Replay(ctx, cmd, strconv.Itoa(attempt)); err != nil {
		if errors.Is(err, transport.ErrDeviceNotConnected) {
			return s.fail(ctx, cmd, "device not connected")
		}
		return err
	}
	applied, err := s.store.MarkAttempt(ctx, cmd.ID, attempt, now)
	if err != nil {
		return err
	}
	if applied {
		metrics.IncCommandRetry()
		s.logger.Printf("command retried: command=%s device=%s attempt=%d/%d",
			cmd.ID, cmd.DeviceID, attempt, cmd.MaxAttempts)
	}
	return nil
}

func (s *RetryScheduler) fail(ctx context.Context, cmd *commands.Command, reason string) error {
	applied, err := s.store.MarkFailed(ctx, cmd.ID, reason)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	metrics.IncCommandResult(metrics.CommandResultFailed)
	s.logger.Printf("command failed: command=%s device=%s attempts=%d reason=%q",
		cmd.ID, cmd.DeviceID, cmd.AttemptCount, reason)
	return s.bus.Publish(ctx, commandsevents.CommandFailed{
		CommandID:  cmd.ID,
		DeviceID:   cmd.DeviceID,
		Type:       cmd.Type,
		Reason:     reason,
		OccurredAt: s.clock.Now(),
	})
}

// RetryCommand is the operator-initiated recovery path. It is permitted
// only from FAILED and replays the original payload under the original id.
func (s *RetryScheduler) RetryCommand(ctx context.Context, commandID string) (*commands.Command, error) {
	cmd, err := s.store.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, ErrNotFound
	}
	if cmd.State != commands.StateFailed {
		return nil, ErrNotRetryable
	}

	now := s.clock.Now()
	reopened, err := s.store.Reopen(ctx, commandID, now)
	if err != nil {
		return nil, err
	}
	if !reopened {
		return nil, ErrNotRetryable
	}

	if err := s.dispatcher.Replay(ctx, cmd, "manual-"+strconv.FormatInt(now.UnixNano(), 10)); err != nil {
		if errors.Is(err, transport.ErrDeviceNotConnected) {
			if _, markErr := s.store.MarkFailed(ctx, commandID, "device not connected"); markErr != nil {
				return nil, markErr
			}
			return nil, ErrDeviceNotConnected
		}
		return nil, err
	}

	metrics.IncCommandManualRetry()
	s.logger.Printf("command retried: command=%s device=%s mode=manual-override", cmd.ID, cmd.DeviceID)
	return s.store.Get(ctx, commandID)
}
