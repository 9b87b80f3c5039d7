package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/command/store"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/events"
	"github.com/manlab/manlab/internal/events/bus"
	"github.com/manlab/manlab/pkg/agentwire"
)

var (
	ErrUnknownCommandType = errors.New("unknown command type")
	ErrPayloadTooLarge    = errors.New("command payload exceeds the configured maximum")
	// ErrAgentFailed wraps a failed command's output tail for callers that
	// want the agent error verbatim.
	ErrAgentFailed = errors.New("agent reported failure")
)

// Service is the facade the HTTP layer and the hub use for the command
// queue: enqueue with immediate best-effort dispatch, synchronous run, and
// agent result ingestion.
type Service struct {
	store           store.Store
	dispatcher      *Dispatcher
	waiter          *Waiter
	events          bus.EventBus
	logger          *logger.Logger
	maxPayloadBytes int
}

// NewService creates the command service.
func NewService(st store.Store, dispatcher *Dispatcher, waiter *Waiter, eventBus bus.EventBus, maxPayloadBytes int, log *logger.Logger) *Service {
	return &Service{
		store:           st,
		dispatcher:      dispatcher,
		waiter:          waiter,
		events:          eventBus,
		logger:          log.WithFields(zap.String("component", "command-service")),
		maxPayloadBytes: maxPayloadBytes,
	}
}

// Enqueue validates and persists a command, then attempts one immediate
// dispatch. The command is returned in whatever state the dispatch left it.
func (s *Service) Enqueue(ctx context.Context, nodeID, commandType string, payload json.RawMessage) (*models.Command, error) {
	if !agentwire.KnownCommandType(commandType) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommandType, commandType)
	}
	if s.maxPayloadBytes > 0 && len(payload) > s.maxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	cmd, err := s.store.Enqueue(ctx, nodeID, commandType, payload)
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(ctx, cmd)
	return cmd, nil
}

// Run enqueues a command and blocks until it completes or the deadline
// passes. A failed command is returned as ErrAgentFailed carrying the output
// tail; a timeout surfaces as ErrWaitTimeout.
func (s *Service) Run(ctx context.Context, nodeID, commandType string, payload interface{}, deadline WaitOption) (*models.Command, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	cmd, err := s.Enqueue(ctx, nodeID, commandType, raw)
	if err != nil {
		return nil, err
	}
	done, err := s.waiter.Await(ctx, cmd.ID, deadline.resolve(commandType))
	if err != nil {
		return nil, err
	}
	if done.Status == models.StatusFailed {
		return done, fmt.Errorf("%w: %s", ErrAgentFailed, strings.TrimSpace(done.OutputLog))
	}
	return done, nil
}

// Cancel enqueues a command.cancel targeting another command on the same
// node. Best-effort; the agent may already be past the point of no return.
func (s *Service) Cancel(ctx context.Context, nodeID, targetCommandID string) (*models.Command, error) {
	raw, err := json.Marshal(agentwire.CancelCommandPayload{TargetCommandID: targetCommandID})
	if err != nil {
		return nil, err
	}
	return s.Enqueue(ctx, nodeID, agentwire.CommandCancel, raw)
}

// HandleResult ingests a CommandResult from the hub. Late results on
// already-terminal commands are dropped and logged, never applied.
func (s *Service) HandleResult(ctx context.Context, nodeID string, result *agentwire.CommandResultPayload) {
	status := models.StatusFailed
	if result.Status == "success" {
		status = models.StatusSuccess
	}
	err := s.store.Complete(ctx, result.CommandID, status, result.OutputTail)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			s.logger.Warn("dropping late command result",
				zap.String("command_id", result.CommandID),
				zap.String("node_id", nodeID),
				zap.String("status", result.Status))
			return
		}
		s.logger.Error("failed to record command result",
			zap.String("command_id", result.CommandID), zap.Error(err))
		return
	}

	if s.events != nil {
		event := bus.NewEvent(events.CommandCompleted, "command-service", map[string]interface{}{
			"command_id": result.CommandID,
			"node_id":    nodeID,
			"status":     string(status),
		})
		if err := s.events.Publish(ctx, events.CommandCompleted, event); err != nil {
			s.logger.Warn("failed to publish completion event", zap.Error(err))
		}
	}
}

// Get returns a command by id.
func (s *Service) Get(ctx context.Context, commandID string) (*models.Command, error) {
	return s.store.Get(ctx, commandID)
}

// ListPending returns a node's queued and sent commands in enqueue order.
func (s *Service) ListPending(ctx context.Context, nodeID string) ([]*models.Command, error) {
	return s.store.ListPending(ctx, nodeID)
}

// Await exposes the waiter for callers that enqueued through Enqueue.
func (s *Service) Await(ctx context.Context, commandID string, deadline WaitOption) (*models.Command, error) {
	cmd, err := s.store.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	return s.waiter.Await(ctx, commandID, deadline.resolve(cmd.Type))
}

// WaitOption selects the completion deadline for a synchronous run.
type WaitOption struct {
	// Explicit overrides the per-type default when non-zero.
	Explicit time.Duration
	// TailDurationSeconds feeds the log.tail deadline (duration + grace).
	TailDurationSeconds int
}

func (o WaitOption) resolve(commandType string) time.Duration {
	if o.Explicit > 0 {
		return o.Explicit
	}
	return WaitDeadline(commandType, o.TailDurationSeconds)
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal command payload: %w", err)
		}
		return raw, nil
	}
}
