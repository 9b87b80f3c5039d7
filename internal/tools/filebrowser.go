package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/manlab/manlab/internal/command"
	"github.com/manlab/manlab/internal/session"
	"github.com/manlab/manlab/internal/session/models"
	"github.com/manlab/manlab/internal/vpath"
	"github.com/manlab/manlab/pkg/agentwire"
)

// FileBrowser exposes directory listings and bounded file reads inside a
// policy-scoped root. Every session-provided path is normalized and checked
// against the session root before it reaches the agent.
type FileBrowser struct {
	sessions *session.Manager
	policies *session.PolicyStore
	commands CommandRunner
	settings SettingsProvider
}

// NewFileBrowser creates the file browser service.
func NewFileBrowser(sessions *session.Manager, policies *session.PolicyStore, commands CommandRunner, settings SettingsProvider) *FileBrowser {
	return &FileBrowser{
		sessions: sessions,
		policies: policies,
		commands: commands,
		settings: settings,
	}
}

// CreateSession mints a session rooted at the named policy's root path.
func (b *FileBrowser) CreateSession(ctx context.Context, nodeID, policyID, requester string, ttl time.Duration) (*models.Session, error) {
	if err := checkRemoteTools(ctx, b.settings, nodeID); err != nil {
		return nil, err
	}
	policy, err := b.policies.GetFileBrowserPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if policy.NodeID != nodeID {
		return nil, ErrPolicyMismatch
	}
	root, err := vpath.Normalize(policy.RootPath)
	if err != nil {
		return nil, err
	}
	return b.sessions.Create(nodeID, policyID, root, requester, policy.MaxReadBytes, ttl), nil
}

// CreateSystemSession mints an unrestricted session rooted at "/". Reserved
// for operators with node-level admin rights; the authorization check is the
// HTTP layer's responsibility.
func (b *FileBrowser) CreateSystemSession(ctx context.Context, nodeID, requester string, ttl time.Duration) (*models.Session, error) {
	if err := checkRemoteTools(ctx, b.settings, nodeID); err != nil {
		return nil, err
	}
	return b.sessions.Create(nodeID, "", "/", requester, 0, ttl), nil
}

// ResolvePath normalizes a session-relative path and verifies it stays
// inside the session root. Shared by List, Read, and the download
// coordinator.
func (b *FileBrowser) ResolvePath(sessionID, raw string) (*models.Session, string, error) {
	s, ok := b.sessions.TryGet(sessionID)
	if !ok {
		return nil, "", ErrSessionNotFound
	}
	path, err := vpath.Normalize(raw)
	if err != nil {
		return nil, "", err
	}
	if !vpath.IsWithinRoot(s.Root, path) {
		return nil, "", ErrPathOutsideRoot
	}
	return s, path, nil
}

// List returns the entries of a directory inside the session root. Legacy
// agents reply with a bare entry array; both shapes are accepted.
func (b *FileBrowser) List(ctx context.Context, sessionID, rawPath string, maxEntries int) (*agentwire.FileListResult, error) {
	s, path, err := b.ResolvePath(sessionID, rawPath)
	if err != nil {
		return nil, err
	}
	cmd, err := b.commands.Run(ctx, s.NodeID, agentwire.CommandFileList, agentwire.FileListRequest{
		Path:       path,
		MaxEntries: maxEntries,
	}, command.WaitOption{})
	if err != nil {
		return nil, err
	}
	return parseFileList(cmd.OutputLog)
}

// Read returns up to maxBytes of one file inside the session root, clamped
// by the policy's byte limit when set.
func (b *FileBrowser) Read(ctx context.Context, sessionID, rawPath string, maxBytes int64) (*agentwire.FileReadResult, error) {
	s, path, err := b.ResolvePath(sessionID, rawPath)
	if err != nil {
		return nil, err
	}
	if s.ByteLimit > 0 && (maxBytes <= 0 || maxBytes > s.ByteLimit) {
		maxBytes = s.ByteLimit
	}
	cmd, err := b.commands.Run(ctx, s.NodeID, agentwire.CommandFileRead, agentwire.FileReadRequest{
		Path:     path,
		MaxBytes: maxBytes,
	}, command.WaitOption{})
	if err != nil {
		return nil, err
	}
	var result agentwire.FileReadResult
	if err := parseResult(cmd.OutputLog, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// parseFileList accepts the current {entries, truncated} shape and the
// legacy bare-array shape still emitted by old agents.
func parseFileList(outputTail string) (*agentwire.FileListResult, error) {
	var result agentwire.FileListResult
	if err := json.Unmarshal([]byte(outputTail), &result); err == nil {
		if result.Entries == nil {
			result.Entries = []agentwire.FileEntry{}
		}
		return &result, nil
	}
	var legacy []agentwire.FileEntry
	if err := json.Unmarshal([]byte(outputTail), &legacy); err == nil {
		return &agentwire.FileListResult{Entries: legacy}, nil
	}
	return nil, ErrMalformedResponse
}
