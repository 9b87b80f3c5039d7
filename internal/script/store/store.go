// Package store persists script definitions and runs.
package store

import (
	"context"
	"errors"

	"github.com/manlab/manlab/internal/script/models"
)

var (
	ErrScriptNotFound = errors.New("script not found")
	ErrRunNotFound    = errors.New("script run not found")
)

// Store is the persistence boundary for scripts and runs.
type Store interface {
	CreateScript(ctx context.Context, script *models.Script) error
	GetScript(ctx context.Context, id string) (*models.Script, error)
	ListScripts(ctx context.Context) ([]*models.Script, error)
	UpdateScript(ctx context.Context, script *models.Script) error
	DeleteScript(ctx context.Context, id string) error

	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRunsForNode(ctx context.Context, nodeID string, limit int) ([]*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error

	Close() error
}
