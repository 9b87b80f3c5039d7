package updates

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manlab/manlab/internal/command"
	cmdmodels "github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/common/constants"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/events"
	"github.com/manlab/manlab/internal/events/bus"
	"github.com/manlab/manlab/internal/node/models"
	"github.com/manlab/manlab/internal/node/store"
	"github.com/manlab/manlab/internal/updates/catalog"
	"github.com/manlab/manlab/pkg/agentwire"
)

// maxAutoUpdateFailures disables a node's auto-update after this many
// consecutive failed attempts.
const maxAutoUpdateFailures = 5

// agentUpdateWait bounds one synchronous update attempt.
const agentUpdateWait = 5 * time.Minute

// ConnStatus reports agent connectivity.
type ConnStatus interface {
	IsConnected(nodeID string) bool
}

// CommandRunner is the slice of the command service the schedulers use.
type CommandRunner interface {
	Run(ctx context.Context, nodeID, commandType string, payload interface{}, deadline command.WaitOption) (*cmdmodels.Command, error)
}

// Auditor records scheduler actions. Satisfied by audit.Recorder.
type Auditor interface {
	Record(action, actor, nodeID string, detail interface{})
}

// AgentUpdater periodically compares every node's agent version against the
// release catalog and updates or flags nodes per their approval mode.
type AgentUpdater struct {
	nodes    store.Store
	conns    ConnStatus
	catalog  catalog.Catalog
	commands CommandRunner
	events   bus.EventBus
	audit    Auditor
	logger   *logger.Logger

	interval time.Duration

	// inFlight keeps runs non-overlapping; a tick during a slow run is
	// skipped, not queued.
	inFlight sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewAgentUpdater creates the agent auto-update scheduler.
func NewAgentUpdater(nodes store.Store, conns ConnStatus, cat catalog.Catalog, commands CommandRunner, eventBus bus.EventBus, auditor Auditor, log *logger.Logger) *AgentUpdater {
	return &AgentUpdater{
		nodes:    nodes,
		conns:    conns,
		catalog:  cat,
		commands: commands,
		events:   eventBus,
		audit:    auditor,
		logger:   log.WithFields(zap.String("component", "agent-updater")),
		interval: constants.AgentUpdateInterval,
	}
}

// SetInterval overrides the check cadence. Call before Start.
func (u *AgentUpdater) SetInterval(d time.Duration) {
	if d > 0 {
		u.interval = d
	}
}

// Start launches the scheduler loop.
func (u *AgentUpdater) Start(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return
	}
	u.running = true
	u.stopCh = make(chan struct{})

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				u.RunOnce(ctx, "scheduler")
			case <-u.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	u.logger.Info("agent updater started", zap.Duration("interval", u.interval))
}

// Stop halts the scheduler and waits for an in-flight run.
func (u *AgentUpdater) Stop() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	u.running = false
	close(u.stopCh)
	u.mu.Unlock()
	u.wg.Wait()
}

// RunOnce performs one check pass. A manual trigger is audited even when
// no node needs an update. Overlapping calls are skipped.
func (u *AgentUpdater) RunOnce(ctx context.Context, triggeredBy string) {
	if !u.inFlight.TryLock() {
		u.logger.Debug("skipping tick, previous run still in flight")
		return
	}
	defer u.inFlight.Unlock()

	if u.audit != nil && triggeredBy != "scheduler" {
		u.audit.Record("agent_update.check", triggeredBy, "", nil)
	}

	if u.catalog == nil {
		return
	}
	latest, err := u.catalog.Latest(ctx)
	if err != nil {
		u.logger.Warn("release catalog unavailable", zap.Error(err))
		return
	}
	nodes, err := u.nodes.ListNodes(ctx)
	if err != nil {
		u.logger.Error("failed to list nodes", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			u.considerNode(gctx, node, latest)
			return nil
		})
	}
	_ = g.Wait()
}

func (u *AgentUpdater) considerNode(ctx context.Context, node *models.Node, latest *catalog.Release) {
	log := u.logger.WithNodeID(node.ID)

	settings, err := u.nodes.GetSettings(ctx, node.ID)
	if err != nil {
		log.Error("failed to load node settings", zap.Error(err))
		return
	}
	if !settings.AutoUpdateEnabled {
		return
	}
	if !catalog.IsNewer(latest.Version, node.AgentVersion) {
		// Up to date; a previous streak of failures is forgiven once the
		// node lands on a current release.
		if settings.AutoUpdateFailures > 0 {
			if err := u.nodes.ResetAutoUpdateFailures(ctx, node.ID); err != nil {
				log.Warn("failed to reset update failures", zap.Error(err))
			}
		}
		return
	}
	if !settings.InMaintenanceWindow(time.Now().UTC()) {
		return
	}
	if !u.conns.IsConnected(node.ID) {
		return
	}

	if settings.AutoUpdateApprovalMode == models.ApprovalManual {
		if node.PendingAgentVersion == latest.Version {
			return
		}
		if err := u.nodes.SetPendingAgentVersion(ctx, node.ID, latest.Version); err != nil {
			log.Error("failed to set pending agent version", zap.Error(err))
			return
		}
		u.publish(ctx, events.PendingUpdateCreated, map[string]interface{}{
			"node_id": node.ID,
			"version": latest.Version,
		})
		log.Info("pending agent update recorded", zap.String("version", latest.Version))
		return
	}

	u.Apply(ctx, node, latest, "scheduler")
}

// Apply pushes one agent update to a node and tracks the failure streak.
// Used by both the automatic path and the manual approval endpoint.
func (u *AgentUpdater) Apply(ctx context.Context, node *models.Node, release *catalog.Release, actor string) {
	log := u.logger.WithNodeID(node.ID)

	if err := u.nodes.SetPendingAgentVersion(ctx, node.ID, release.Version); err != nil {
		log.Error("failed to set pending agent version", zap.Error(err))
		return
	}
	_, err := u.commands.Run(ctx, node.ID, agentwire.CommandAgentUpdate, agentwire.AgentUpdateRequest{
		Version:     release.Version,
		DownloadURL: release.DownloadURL,
		Checksum:    release.Checksum,
	}, command.WaitOption{Explicit: agentUpdateWait})
	if err != nil {
		u.recordFailure(ctx, node.ID, err)
		return
	}

	if err := u.nodes.ResetAutoUpdateFailures(ctx, node.ID); err != nil {
		log.Warn("failed to reset update failures", zap.Error(err))
	}
	if err := u.nodes.SetPendingAgentVersion(ctx, node.ID, ""); err != nil {
		log.Warn("failed to clear pending agent version", zap.Error(err))
	}
	if u.audit != nil {
		u.audit.Record("agent.update", actor, node.ID, map[string]string{"version": release.Version})
	}
	log.Info("agent updated", zap.String("version", release.Version))
}

// ApplyPending applies a manually approved pending update.
func (u *AgentUpdater) ApplyPending(ctx context.Context, nodeID, actor string) error {
	node, err := u.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.PendingAgentVersion == "" || u.catalog == nil {
		return catalog.ErrNoReleases
	}
	latest, err := u.catalog.Latest(ctx)
	if err != nil {
		return err
	}
	if latest.Version != node.PendingAgentVersion {
		// The catalog moved on; apply the current latest instead.
		u.logger.Info("pending version superseded by newer release",
			zap.String("pending", node.PendingAgentVersion),
			zap.String("latest", latest.Version))
	}
	u.Apply(ctx, node, latest, actor)
	return nil
}

func (u *AgentUpdater) recordFailure(ctx context.Context, nodeID string, cause error) {
	log := u.logger.WithNodeID(nodeID)
	log.Warn("agent update failed", zap.Error(cause))

	failures, err := u.nodes.IncrementAutoUpdateFailures(ctx, nodeID)
	if err != nil {
		log.Error("failed to record update failure", zap.Error(err))
		return
	}
	if failures >= maxAutoUpdateFailures {
		if err := u.nodes.DisableAutoUpdate(ctx, nodeID); err != nil {
			log.Error("failed to disable auto-update", zap.Error(err))
			return
		}
		log.Warn("auto-update disabled after repeated failures",
			zap.Int("failures", failures))
		if u.audit != nil {
			u.audit.Record("agent.update.disabled", "scheduler", nodeID,
				map[string]int{"failures": failures})
		}
	}
}

func (u *AgentUpdater) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if u.events == nil {
		return
	}
	event := bus.NewEvent(eventType, "agent-updater", data)
	if err := u.events.Publish(ctx, eventType, event); err != nil {
		u.logger.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}
