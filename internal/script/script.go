// Package script manages saved scripts and their execution runs. A run is
// carried to the agent as a script.run command through the queue; the run
// record tracks the queued command and resolves its outcome on read.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cmdmodels "github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/script/models"
	"github.com/manlab/manlab/internal/script/store"
	"github.com/manlab/manlab/pkg/agentwire"
)

var (
	ErrNameRequired    = errors.New("script name is required")
	ErrContentRequired = errors.New("script content is required")
)

const (
	defaultInterpreter    = "sh"
	defaultTimeoutSeconds = 300
)

// CommandRunner is the slice of the command service the script service uses.
type CommandRunner interface {
	Enqueue(ctx context.Context, nodeID, commandType string, payload json.RawMessage) (*cmdmodels.Command, error)
	Cancel(ctx context.Context, nodeID, targetCommandID string) (*cmdmodels.Command, error)
	Get(ctx context.Context, commandID string) (*cmdmodels.Command, error)
}

// Service owns script definitions and runs.
type Service struct {
	store    store.Store
	commands CommandRunner
	logger   *logger.Logger
}

// NewService creates the script service.
func NewService(st store.Store, commands CommandRunner, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		commands: commands,
		logger:   log.WithFields(zap.String("component", "script-service")),
	}
}

// CreateScript saves a new script definition.
func (s *Service) CreateScript(ctx context.Context, script *models.Script) (*models.Script, error) {
	if script.Name == "" {
		return nil, ErrNameRequired
	}
	if script.Content == "" {
		return nil, ErrContentRequired
	}
	if script.Interpreter == "" {
		script.Interpreter = defaultInterpreter
	}
	if script.TimeoutSeconds <= 0 {
		script.TimeoutSeconds = defaultTimeoutSeconds
	}
	script.ID = uuid.New().String()
	now := time.Now().UTC()
	script.CreatedAt = now
	script.UpdatedAt = now
	if err := s.store.CreateScript(ctx, script); err != nil {
		return nil, err
	}
	s.logger.Info("script created",
		zap.String("script_id", script.ID), zap.String("name", script.Name))
	return script, nil
}

// GetScript returns one script definition.
func (s *Service) GetScript(ctx context.Context, id string) (*models.Script, error) {
	return s.store.GetScript(ctx, id)
}

// ListScripts returns all script definitions.
func (s *Service) ListScripts(ctx context.Context) ([]*models.Script, error) {
	return s.store.ListScripts(ctx)
}

// UpdateScript updates an existing script definition.
func (s *Service) UpdateScript(ctx context.Context, script *models.Script) error {
	if script.Name == "" {
		return ErrNameRequired
	}
	if script.Content == "" {
		return ErrContentRequired
	}
	return s.store.UpdateScript(ctx, script)
}

// DeleteScript removes a script definition. Past runs keep their records.
func (s *Service) DeleteScript(ctx context.Context, id string) error {
	return s.store.DeleteScript(ctx, id)
}

// Run queues a script execution on a node and records the run.
func (s *Service) Run(ctx context.Context, scriptID, nodeID, requester string) (*models.Run, error) {
	script, err := s.store.GetScript(ctx, scriptID)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	payload, err := json.Marshal(agentwire.ScriptRunRequest{
		RunID:          runID,
		Interpreter:    script.Interpreter,
		Script:         script.Content,
		TimeoutSeconds: script.TimeoutSeconds,
	})
	if err != nil {
		return nil, err
	}
	cmd, err := s.commands.Enqueue(ctx, nodeID, agentwire.CommandScriptRun, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to queue script run: %w", err)
	}

	run := &models.Run{
		ID:        runID,
		ScriptID:  scriptID,
		NodeID:    nodeID,
		CommandID: cmd.ID,
		Status:    models.RunPending,
		Requester: requester,
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.logger.Info("script run queued",
		zap.String("run_id", run.ID),
		zap.String("script_id", scriptID),
		zap.String("node_id", nodeID))
	return run, nil
}

// GetRun returns a run, resolving its status from the underlying command
// when the run is still in flight. Terminal outcomes are persisted so later
// reads skip the queue lookup.
func (s *Service) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	cmd, err := s.commands.Get(ctx, run.CommandID)
	if err != nil {
		return run, nil
	}
	switch cmd.Status {
	case cmdmodels.StatusQueued:
		run.Status = models.RunPending
	case cmdmodels.StatusSent:
		run.Status = models.RunRunning
	case cmdmodels.StatusSuccess, cmdmodels.StatusFailed:
		run.Status = models.RunSuccess
		if cmd.Status == cmdmodels.StatusFailed {
			run.Status = models.RunFailed
		}
		run.Output = cmd.OutputLog
		now := time.Now().UTC()
		run.CompletedAt = &now
		if err := s.store.UpdateRun(ctx, run); err != nil {
			s.logger.Warn("failed to persist run outcome",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return run, nil
}

// ListRuns returns the most recent runs for a node.
func (s *Service) ListRuns(ctx context.Context, nodeID string, limit int) ([]*models.Run, error) {
	return s.store.ListRunsForNode(ctx, nodeID, limit)
}

// CancelRun marks a run cancelled and asks the agent to abort the carrying
// command. Cancelling a finished run is a no-op.
func (s *Service) CancelRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	if _, err := s.commands.Cancel(ctx, run.NodeID, run.CommandID); err != nil {
		s.logger.Warn("failed to queue cancel for script run",
			zap.String("run_id", run.ID), zap.Error(err))
	}

	run.Status = models.RunCancelled
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := s.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}
