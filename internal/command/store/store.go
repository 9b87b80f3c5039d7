// Package store persists the per-node command queue and enforces its
// forward-only lifecycle.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/manlab/manlab/internal/command/models"
)

var (
	ErrCommandNotFound = errors.New("command not found")
	// ErrAlreadyTerminal is returned for a completion against a command that
	// has already reached success or failed. Callers drop and log.
	ErrAlreadyTerminal = errors.New("command already in a terminal state")
)

// Store is the persistence contract for the command queue. Implementations
// serialize writes per row; the store is the sole arbiter of transitions.
type Store interface {
	// Enqueue inserts a command with status=queued and returns it.
	Enqueue(ctx context.Context, nodeID, commandType string, payload json.RawMessage) (*models.Command, error)
	// MarkSent records queued→sent. Returns true when the command is now in
	// the sent state, including when a prior call already moved it there.
	MarkSent(ctx context.Context, commandID string) (bool, error)
	// Complete records the terminal transition and writes the tail-truncated
	// output. Returns ErrAlreadyTerminal for late results.
	Complete(ctx context.Context, commandID string, status models.Status, outputTail string) error
	Get(ctx context.Context, commandID string) (*models.Command, error)
	// ListPending returns queued and sent commands for a node in enqueue order.
	ListPending(ctx context.Context, nodeID string) ([]*models.Command, error)
	// ListUndispatchedForConnected returns queued commands whose node appears
	// in the connected-nodes snapshot, in enqueue order.
	ListUndispatchedForConnected(ctx context.Context, connectedNodeIDs []string) ([]*models.Command, error)
	// DeleteOlderThan prunes terminal commands completed before the cutoff.
	DeleteOlderThan(ctx context.Context, cutoffDays int) (int64, error)
}
