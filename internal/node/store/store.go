// Package store persists nodes, per-node settings, and enrollment tokens.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/manlab/manlab/internal/node/models"
)

var (
	ErrNodeNotFound       = errors.New("node not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrEnrollmentUsed     = errors.New("enrollment token already used")
	ErrDuplicateToken     = errors.New("enrollment token hash already exists")
)

// Store is the persistence contract for the node domain.
type Store interface {
	CreateNode(ctx context.Context, node *models.Node) error
	GetNode(ctx context.Context, id string) (*models.Node, error)
	GetNodeByAuthKeyHash(ctx context.Context, hash string) (*models.Node, error)
	ListNodes(ctx context.Context) ([]*models.Node, error)
	// ListStaleOnline returns nodes that are marked online but whose last
	// heartbeat predates the cutoff. Used by the health monitor.
	ListStaleOnline(ctx context.Context, cutoff time.Time) ([]*models.Node, error)
	UpdateNodeStatus(ctx context.Context, id string, status models.NodeStatus) error
	// MarkOfflineIfStale flips a node to offline only while it is still
	// online with last_seen before the cutoff, so a heartbeat racing the
	// health sweep wins. Reports whether the flip happened.
	MarkOfflineIfStale(ctx context.Context, id string, cutoff time.Time) (bool, error)
	UpdateHeartbeat(ctx context.Context, id string, lastSeen time.Time, cpuPct, memPct, diskPct float64) error
	UpdateNodeInfo(ctx context.Context, id, hostname, osLabel, agentVersion, ipAddress string) error
	SetPendingAgentVersion(ctx context.Context, id, version string) error
	DeleteNode(ctx context.Context, id string) error

	GetSettings(ctx context.Context, nodeID string) (*models.NodeSettings, error)
	UpsertSettings(ctx context.Context, settings *models.NodeSettings) error
	IncrementAutoUpdateFailures(ctx context.Context, nodeID string) (int, error)
	ResetAutoUpdateFailures(ctx context.Context, nodeID string) error
	DisableAutoUpdate(ctx context.Context, nodeID string) error

	CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error
	GetEnrollmentByTokenHash(ctx context.Context, hash string) (*models.Enrollment, error)
	ConsumeEnrollment(ctx context.Context, id, nodeID string) error

	Close() error
}
