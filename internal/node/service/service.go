// Package service implements enrollment, heartbeat processing, and node
// lifecycle operations on top of the node store.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/events"
	"github.com/manlab/manlab/internal/events/bus"
	"github.com/manlab/manlab/internal/node/models"
	"github.com/manlab/manlab/internal/node/store"
	"github.com/manlab/manlab/pkg/agentwire"
)

var (
	ErrAuthFailed = errors.New("agent authentication failed")
)

// enrollmentRetries bounds the retry loop for token-hash collisions.
const enrollmentRetries = 3

// Service owns node identity, enrollment, and status transitions driven by
// the hub and the health monitor.
type Service struct {
	store  store.Store
	events bus.EventBus
	logger *logger.Logger
}

// NewService creates a node service.
func NewService(st store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		events: eventBus,
		logger: log.WithFields(zap.String("component", "node-service")),
	}
}

// HashAuthToken returns the hex SHA-256 of a raw agent token. Only hashes
// touch the database.
func HashAuthToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateEnrollment mints a one-time onboarding token. The raw token is
// returned exactly once; the store keeps only its hash. Hash collisions are
// retried with a fresh token before giving up.
func (s *Service) CreateEnrollment(ctx context.Context, name string) (*models.Enrollment, string, error) {
	var lastErr error
	for i := 0; i < enrollmentRetries; i++ {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, "", fmt.Errorf("failed to generate enrollment token: %w", err)
		}
		token := hex.EncodeToString(raw)

		enrollment := &models.Enrollment{
			ID:        uuid.New().String(),
			Name:      name,
			TokenHash: HashAuthToken(token),
		}
		if err := s.store.CreateEnrollment(ctx, enrollment); err != nil {
			if errors.Is(err, store.ErrDuplicateToken) {
				lastErr = err
				continue
			}
			return nil, "", err
		}
		return enrollment, token, nil
	}
	return nil, "", fmt.Errorf("failed to create enrollment after %d attempts: %w", enrollmentRetries, lastErr)
}

// Enroll authenticates an agent presenting its token over the hub. A token
// matching an existing node re-identifies that node; a token matching an
// unused enrollment creates the node record. Anything else is rejected.
func (s *Service) Enroll(ctx context.Context, payload *agentwire.EnrollPayload, remoteAddr string) (*models.Node, error) {
	hash := HashAuthToken(payload.AuthToken)

	node, err := s.store.GetNodeByAuthKeyHash(ctx, hash)
	if err == nil {
		if err := s.store.UpdateNodeInfo(ctx, node.ID, payload.Hostname, payload.OS, payload.AgentVersion, remoteAddr); err != nil {
			return nil, err
		}
		node.Hostname = payload.Hostname
		node.OS = payload.OS
		node.AgentVersion = payload.AgentVersion
		node.IPAddress = remoteAddr
		return node, nil
	}
	if !errors.Is(err, store.ErrNodeNotFound) {
		return nil, err
	}

	enrollment, err := s.store.GetEnrollmentByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrEnrollmentNotFound) {
			return nil, ErrAuthFailed
		}
		return nil, err
	}
	if enrollment.UsedAt != nil {
		return nil, ErrAuthFailed
	}

	node = &models.Node{
		ID:           uuid.New().String(),
		Hostname:     payload.Hostname,
		OS:           payload.OS,
		IPAddress:    remoteAddr,
		AgentVersion: payload.AgentVersion,
		AuthKeyHash:  hash,
		Status:       models.StatusOffline,
		LastSeen:     time.Now().UTC(),
	}
	if err := s.store.CreateNode(ctx, node); err != nil {
		return nil, err
	}
	if err := s.store.ConsumeEnrollment(ctx, enrollment.ID, node.ID); err != nil {
		s.logger.Warn("failed to consume enrollment",
			zap.String("enrollment_id", enrollment.ID), zap.Error(err))
	}

	s.publish(ctx, events.NodeEnrolled, map[string]interface{}{
		"node_id":  node.ID,
		"hostname": node.Hostname,
	})
	s.logger.Info("node enrolled",
		zap.String("node_id", node.ID),
		zap.String("hostname", node.Hostname))
	return node, nil
}

// HandleConnected is called by the hub after a successful bind. Nodes in
// maintenance keep their status; everything else flips to online.
func (s *Service) HandleConnected(ctx context.Context, nodeID string) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.Status == models.StatusMaintenance || node.Status == models.StatusOnline {
		return nil
	}
	if err := s.store.UpdateNodeStatus(ctx, nodeID, models.StatusOnline); err != nil {
		return err
	}
	s.publishStatusChanged(ctx, nodeID, models.StatusOnline, time.Now().UTC())
	return nil
}

// Heartbeat records the latest liveness sample. A heartbeat from an offline
// node flips it back to online; the health monitor only ever transitions the
// other way.
func (s *Service) Heartbeat(ctx context.Context, nodeID string, hb *agentwire.HeartbeatPayload) error {
	lastSeen := hb.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateHeartbeat(ctx, nodeID, lastSeen, hb.CPUPct, hb.MemPct, hb.DiskPct); err != nil {
		return err
	}
	if node.Status == models.StatusOffline {
		if err := s.store.UpdateNodeStatus(ctx, nodeID, models.StatusOnline); err != nil {
			return err
		}
		s.publishStatusChanged(ctx, nodeID, models.StatusOnline, lastSeen)
	}
	return nil
}

// Telemetry applies a full telemetry snapshot. Shares the heartbeat path
// and refreshes node attributes that only change rarely.
func (s *Service) Telemetry(ctx context.Context, nodeID string, t *agentwire.TelemetryPayload) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if t.Hostname != node.Hostname || t.OS != node.OS || t.AgentVersion != node.AgentVersion {
		if err := s.store.UpdateNodeInfo(ctx, nodeID, t.Hostname, t.OS, t.AgentVersion, node.IPAddress); err != nil {
			return err
		}
	}
	return s.Heartbeat(ctx, nodeID, &agentwire.HeartbeatPayload{
		CPUPct:  t.CPUPct,
		MemPct:  t.MemPct,
		DiskPct: t.DiskPct,
	})
}

// Get returns a node by id.
func (s *Service) Get(ctx context.Context, nodeID string) (*models.Node, error) {
	return s.store.GetNode(ctx, nodeID)
}

// List returns all nodes.
func (s *Service) List(ctx context.Context) ([]*models.Node, error) {
	return s.store.ListNodes(ctx)
}

// SetStatus applies an operator-driven status change (maintenance toggle).
func (s *Service) SetStatus(ctx context.Context, nodeID string, status models.NodeStatus) error {
	switch status {
	case models.StatusOnline, models.StatusOffline, models.StatusMaintenance:
	default:
		return fmt.Errorf("invalid node status: %s", status)
	}
	if err := s.store.UpdateNodeStatus(ctx, nodeID, status); err != nil {
		return err
	}
	s.publishStatusChanged(ctx, nodeID, status, time.Now().UTC())
	return nil
}

// Remove deletes a node and announces the removal.
func (s *Service) Remove(ctx context.Context, nodeID string) error {
	if err := s.store.DeleteNode(ctx, nodeID); err != nil {
		return err
	}
	s.publish(ctx, events.NodeRemoved, map[string]interface{}{"node_id": nodeID})
	return nil
}

// GetSettings returns the node's settings, defaulted when absent.
func (s *Service) GetSettings(ctx context.Context, nodeID string) (*models.NodeSettings, error) {
	return s.store.GetSettings(ctx, nodeID)
}

// UpdateSettings persists per-node settings.
func (s *Service) UpdateSettings(ctx context.Context, settings *models.NodeSettings) error {
	if _, err := s.store.GetNode(ctx, settings.NodeID); err != nil {
		return err
	}
	return s.store.UpsertSettings(ctx, settings)
}

func (s *Service) publishStatusChanged(ctx context.Context, nodeID string, status models.NodeStatus, lastSeen time.Time) {
	s.publish(ctx, events.NodeStatusChanged, map[string]interface{}{
		"node_id":   nodeID,
		"status":    string(status),
		"last_seen": lastSeen.Format(time.RFC3339),
	})
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	event := bus.NewEvent(eventType, "node-service", data)
	if err := s.events.Publish(ctx, eventType, event); err != nil {
		s.logger.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}
