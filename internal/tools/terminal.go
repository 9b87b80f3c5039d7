package tools

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/command"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/session"
	"github.com/manlab/manlab/internal/session/models"
	"github.com/manlab/manlab/pkg/agentwire"
)

// terminalBufferCap bounds the per-session output buffer kept for the
// dashboard's GET. Older output is dropped from the head.
const terminalBufferCap = 256 * 1024

// Terminal drives remote shells through the command queue. Output arrives as
// the tail of each terminal.open/terminal.input command result and is
// accumulated per session.
type Terminal struct {
	sessions *session.Manager
	commands CommandRunner
	settings SettingsProvider
	logger   *logger.Logger

	mu      sync.Mutex
	buffers map[string]string
}

// NewTerminal creates the terminal service.
func NewTerminal(sessions *session.Manager, commands CommandRunner, settings SettingsProvider, log *logger.Logger) *Terminal {
	return &Terminal{
		sessions: sessions,
		commands: commands,
		settings: settings,
		logger:   log.WithFields(zap.String("component", "terminal")),
		buffers:  make(map[string]string),
	}
}

// Open mints a terminal session and asks the agent to start a shell. The
// shell's greeting (if any) lands in the session buffer.
func (t *Terminal) Open(ctx context.Context, nodeID, shell, requester string, ttl time.Duration) (*models.Session, error) {
	if err := checkRemoteTools(ctx, t.settings, nodeID); err != nil {
		return nil, err
	}
	s := t.sessions.Create(nodeID, "", "/", requester, 0, ttl)

	cmd, err := t.commands.Run(ctx, nodeID, agentwire.CommandTerminalOpen, agentwire.TerminalOpenRequest{
		SessionID: s.ID,
		Shell:     shell,
	}, command.WaitOption{})
	if err != nil {
		t.sessions.Close(s.ID)
		return nil, err
	}
	t.append(s.ID, cmd.OutputLog)
	return s, nil
}

// Input forwards keystrokes to the remote shell and returns the output the
// agent captured for this write.
func (t *Terminal) Input(ctx context.Context, sessionID, input string) (string, error) {
	s, ok := t.sessions.TryGet(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}
	cmd, err := t.commands.Run(ctx, s.NodeID, agentwire.CommandTerminalInput, agentwire.TerminalInputRequest{
		SessionID: sessionID,
		Input:     input,
	}, command.WaitOption{})
	if err != nil {
		return "", err
	}
	t.append(sessionID, cmd.OutputLog)
	return cmd.OutputLog, nil
}

// Get returns the session and its accumulated output.
func (t *Terminal) Get(sessionID string) (*models.Session, string, error) {
	s, ok := t.sessions.TryGet(sessionID)
	if !ok {
		return nil, "", ErrSessionNotFound
	}
	t.mu.Lock()
	out := t.buffers[sessionID]
	t.mu.Unlock()
	return s, out, nil
}

// Close tears down the remote shell best-effort and drops the session.
// Idempotent: closing an unknown session is a no-op.
func (t *Terminal) Close(ctx context.Context, sessionID string) error {
	s, ok := t.sessions.TryGet(sessionID)
	if ok {
		if _, err := t.commands.Run(ctx, s.NodeID, agentwire.CommandTerminalClose, agentwire.TerminalCloseRequest{
			SessionID: sessionID,
		}, command.WaitOption{}); err != nil {
			t.logger.Warn("terminal.close failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	t.sessions.Close(sessionID)
	t.mu.Lock()
	delete(t.buffers, sessionID)
	t.mu.Unlock()
	return nil
}

func (t *Terminal) append(sessionID, output string) {
	if output == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := t.buffers[sessionID] + output
	if len(buf) > terminalBufferCap {
		buf = buf[len(buf)-terminalBufferCap:]
	}
	t.buffers[sessionID] = buf
}
