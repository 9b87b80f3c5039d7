// Package tools implements the session-scoped remote tools: terminal, log
// viewer, and file browser. Each operation rides the command queue and waits
// synchronously for the agent's reply.
package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/manlab/manlab/internal/command"
	cmdmodels "github.com/manlab/manlab/internal/command/models"
	nodemodels "github.com/manlab/manlab/internal/node/models"
)

var (
	ErrRemoteToolsDisabled = errors.New("remote tools are disabled for this node")
	ErrSessionNotFound     = errors.New("session not found or expired")
	ErrPolicyMismatch      = errors.New("policy does not belong to this node")
	ErrPathOutsideRoot     = errors.New("path is outside the session root")
	ErrMalformedResponse   = errors.New("Agent returned malformed JSON")
)

// CommandRunner is the slice of the command service the tools use.
type CommandRunner interface {
	Run(ctx context.Context, nodeID, commandType string, payload interface{}, deadline command.WaitOption) (*cmdmodels.Command, error)
	Enqueue(ctx context.Context, nodeID, commandType string, payload json.RawMessage) (*cmdmodels.Command, error)
}

// SettingsProvider exposes the per-node settings gate for remote tools.
type SettingsProvider interface {
	GetSettings(ctx context.Context, nodeID string) (*nodemodels.NodeSettings, error)
}

func checkRemoteTools(ctx context.Context, settings SettingsProvider, nodeID string) error {
	s, err := settings.GetSettings(ctx, nodeID)
	if err != nil {
		return err
	}
	if !s.RemoteToolsEnabled {
		return ErrRemoteToolsDisabled
	}
	return nil
}

// parseResult decodes a successful command's output tail into the expected
// shape. Malformed output maps to ErrMalformedResponse for a 400.
func parseResult(outputTail string, v interface{}) error {
	if err := json.Unmarshal([]byte(outputTail), v); err != nil {
		return ErrMalformedResponse
	}
	return nil
}
