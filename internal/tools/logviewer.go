package tools

import (
	"context"
	"time"

	"github.com/manlab/manlab/internal/command"
	"github.com/manlab/manlab/internal/session"
	"github.com/manlab/manlab/internal/session/models"
	"github.com/manlab/manlab/internal/vpath"
	"github.com/manlab/manlab/pkg/agentwire"
)

// LogViewer exposes policy-scoped log reads and tails. A session is pinned
// to the single log path its policy allow-lists.
type LogViewer struct {
	sessions *session.Manager
	policies *session.PolicyStore
	commands CommandRunner
	settings SettingsProvider
}

// NewLogViewer creates the log viewer service.
func NewLogViewer(sessions *session.Manager, policies *session.PolicyStore, commands CommandRunner, settings SettingsProvider) *LogViewer {
	return &LogViewer{
		sessions: sessions,
		policies: policies,
		commands: commands,
		settings: settings,
	}
}

// CreateSession validates the policy against the node and mints a session
// rooted at the policy's log path.
func (v *LogViewer) CreateSession(ctx context.Context, nodeID, policyID, requester string, ttl time.Duration) (*models.Session, error) {
	if err := checkRemoteTools(ctx, v.settings, nodeID); err != nil {
		return nil, err
	}
	policy, err := v.policies.GetLogViewerPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if policy.NodeID != nodeID {
		return nil, ErrPolicyMismatch
	}
	root, err := vpath.Normalize(policy.Path)
	if err != nil {
		return nil, err
	}
	return v.sessions.Create(nodeID, policyID, root, requester, 0, ttl), nil
}

// Read fetches the last maxLines lines of the session's log.
func (v *LogViewer) Read(ctx context.Context, sessionID string, maxLines int) (*agentwire.LogResult, error) {
	s, ok := v.sessions.TryGet(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	cmd, err := v.commands.Run(ctx, s.NodeID, agentwire.CommandLogRead, agentwire.LogReadRequest{
		Path:     s.Root,
		MaxLines: maxLines,
	}, command.WaitOption{})
	if err != nil {
		return nil, err
	}
	var result agentwire.LogResult
	if err := parseResult(cmd.OutputLog, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Tail follows the session's log for durationSeconds. The wait deadline is
// the requested duration plus grace, so slow agents still land inside it.
func (v *LogViewer) Tail(ctx context.Context, sessionID string, durationSeconds int) (*agentwire.LogResult, error) {
	s, ok := v.sessions.TryGet(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	cmd, err := v.commands.Run(ctx, s.NodeID, agentwire.CommandLogTail, agentwire.LogTailRequest{
		Path:            s.Root,
		DurationSeconds: durationSeconds,
	}, command.WaitOption{TailDurationSeconds: durationSeconds})
	if err != nil {
		return nil, err
	}
	var result agentwire.LogResult
	if err := parseResult(cmd.OutputLog, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
