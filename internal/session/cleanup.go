package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	cmdmodels "github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/session/models"
	"github.com/manlab/manlab/pkg/agentwire"
)

// cleanupInterval is how often expired sessions are reaped.
const cleanupInterval = 15 * time.Second

// Enqueuer is the slice of the command service the cleanup worker needs to
// tear down remote terminal state.
type Enqueuer interface {
	Enqueue(ctx context.Context, nodeID, commandType string, payload json.RawMessage) (*cmdmodels.Command, error)
}

// CleanupWorker periodically marks expired sessions and best-effort closes
// remote terminals backing expired terminal sessions. Session expiry is
// asynchronous: TryGet already refuses expired sessions, the worker just
// reclaims memory and remote resources.
type CleanupWorker struct {
	managers []*Manager
	commands Enqueuer
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewCleanupWorker creates a cleanup worker over the given managers.
func NewCleanupWorker(commands Enqueuer, log *logger.Logger, managers ...*Manager) *CleanupWorker {
	return &CleanupWorker{
		managers: managers,
		commands: commands,
		logger:   log.WithFields(zap.String("component", "session-cleanup")),
	}
}

// Start launches the reap loop.
func (w *CleanupWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the reap loop and waits for it.
func (w *CleanupWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *CleanupWorker) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.ReapOnce(context.Background())
		}
	}
}

// ReapOnce runs a single reap pass over every manager.
func (w *CleanupWorker) ReapOnce(ctx context.Context) {
	now := time.Now().UTC()
	for _, m := range w.managers {
		for _, s := range m.ReapExpired(now) {
			w.logger.Debug("session expired",
				zap.String("session_id", s.ID),
				zap.String("kind", string(s.Kind)),
				zap.String("node_id", s.NodeID))
			if s.Kind == models.KindTerminal && w.commands != nil {
				w.closeTerminal(ctx, s)
			}
		}
	}
}

func (w *CleanupWorker) closeTerminal(ctx context.Context, s *models.Session) {
	payload, err := json.Marshal(agentwire.TerminalCloseRequest{SessionID: s.ID})
	if err != nil {
		return
	}
	if _, err := w.commands.Enqueue(ctx, s.NodeID, agentwire.CommandTerminalClose, payload); err != nil {
		w.logger.Warn("failed to enqueue terminal.close for expired session",
			zap.String("session_id", s.ID), zap.Error(err))
	}
}
