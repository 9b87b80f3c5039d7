// Package health watches node heartbeats and flips silent nodes offline.
// Nodes in maintenance keep their status; only online nodes with a stale
// last_seen are swept.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/common/constants"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/events"
	"github.com/manlab/manlab/internal/events/bus"
	"github.com/manlab/manlab/internal/node/store"
	"github.com/manlab/manlab/internal/notify"
)

// Auditor records offline transitions. Satisfied by audit.Recorder.
type Auditor interface {
	Record(action, actor, nodeID string, detail interface{})
}

// Monitor runs the periodic offline sweep.
type Monitor struct {
	store    store.Store
	events   bus.EventBus
	notifier notify.Notifier
	audit    Auditor
	logger   *logger.Logger

	interval     time.Duration
	initialDelay time.Duration
	threshold    time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a health monitor with the default cadence.
func NewMonitor(st store.Store, eventBus bus.EventBus, notifier notify.Notifier, auditor Auditor, log *logger.Logger) *Monitor {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Monitor{
		store:        st,
		events:       eventBus,
		notifier:     notifier,
		audit:        auditor,
		logger:       log.WithFields(zap.String("component", "health-monitor")),
		interval:     constants.HealthCheckInterval,
		initialDelay: constants.HealthCheckInitialDelay,
		threshold:    constants.OfflineThreshold,
	}
}

// SetCadence overrides the sweep interval and offline threshold. Call before
// Start; zero values keep the defaults.
func (m *Monitor) SetCadence(interval, threshold time.Duration) {
	if interval > 0 {
		m.interval = interval
	}
	if threshold > 0 {
		m.threshold = threshold
	}
}

// Start launches the sweep loop. The first sweep runs after a short delay so
// agents reconnecting across a server restart are not mass-flagged offline.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.loop(ctx, m.stopCh)
	m.logger.Info("health monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("offline_threshold", m.threshold))
}

// Stop halts the sweep loop and waits for an in-flight sweep.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()

	delay := time.NewTimer(m.initialDelay)
	defer delay.Stop()
	select {
	case <-delay.C:
	case <-stop:
		return
	case <-ctx.Done():
		return
	}
	m.CheckOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CheckOnce(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CheckOnce performs one sweep: every online node whose last heartbeat
// predates the threshold is flipped offline, with a status event, an audit
// entry, and an operator alert per flipped node. The flip is conditional in the store, so
// a node heartbeating mid-sweep stays online and emits nothing.
func (m *Monitor) CheckOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.threshold)
	stale, err := m.store.ListStaleOnline(ctx, cutoff)
	if err != nil {
		m.logger.Error("offline sweep query failed", zap.Error(err))
		return
	}

	for _, node := range stale {
		flipped, err := m.store.MarkOfflineIfStale(ctx, node.ID, cutoff)
		if err != nil {
			m.logger.Error("failed to mark node offline",
				zap.String("node_id", node.ID), zap.Error(err))
			continue
		}
		if !flipped {
			continue
		}
		m.logger.Warn("node went offline",
			zap.String("node_id", node.ID),
			zap.String("hostname", node.Hostname),
			zap.Time("last_seen", node.LastSeen))

		m.publishOffline(ctx, node.ID, node.LastSeen)
		if m.audit != nil {
			m.audit.Record("node.offline", "health-monitor", node.ID,
				map[string]string{"last_seen": node.LastSeen.Format(time.RFC3339)})
		}
		if err := m.notifier.Notify(ctx, "Node offline",
			fmt.Sprintf("%s (%s) has not reported for %s", node.Hostname, node.ID, m.threshold)); err != nil {
			m.logger.Warn("offline notification failed",
				zap.String("node_id", node.ID), zap.Error(err))
		}
	}
}

func (m *Monitor) publishOffline(ctx context.Context, nodeID string, lastSeen time.Time) {
	if m.events == nil {
		return
	}
	event := bus.NewEvent(events.NodeStatusChanged, "health-monitor", map[string]interface{}{
		"node_id":   nodeID,
		"status":    "offline",
		"last_seen": lastSeen.Format(time.RFC3339),
	})
	if err := m.events.Publish(ctx, events.NodeStatusChanged, event); err != nil {
		m.logger.Warn("failed to publish offline event",
			zap.String("node_id", nodeID), zap.Error(err))
	}
}
