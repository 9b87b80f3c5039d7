package updates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/command"
	cmdmodels "github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/common/constants"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/events"
	"github.com/manlab/manlab/internal/events/bus"
	"github.com/manlab/manlab/internal/node/models"
	"github.com/manlab/manlab/internal/node/store"
	"github.com/manlab/manlab/pkg/agentwire"
)

var (
	ErrNotApprovable = errors.New("history entry is not pending approval")
	ErrNotCancelable = errors.New("history entry already finished")
)

// listWait bounds one package availability query.
const listWait = 2 * time.Minute

// PackageLister reports the OS package updates available on a node.
type PackageLister interface {
	ListAvailable(ctx context.Context, nodeID string) ([]agentwire.PackageUpdate, error)
}

// QueueLister asks the agent for available updates through the command
// queue. An empty package list in a system.update command means "report,
// don't apply".
type QueueLister struct {
	commands CommandRunner
}

// NewQueueLister creates the command-queue-backed package lister.
func NewQueueLister(commands CommandRunner) *QueueLister {
	return &QueueLister{commands: commands}
}

func (l *QueueLister) ListAvailable(ctx context.Context, nodeID string) ([]agentwire.PackageUpdate, error) {
	cmd, err := l.commands.Run(ctx, nodeID, agentwire.CommandSystemUpdate,
		agentwire.SystemUpdateRequest{}, command.WaitOption{Explicit: listWait})
	if err != nil {
		return nil, err
	}
	var result agentwire.SystemUpdateListResult
	if err := json.Unmarshal([]byte(cmd.OutputLog), &result); err != nil {
		return nil, fmt.Errorf("agent returned malformed update list: %w", err)
	}
	return result.Updates, nil
}

// ApplyRunner enqueues the approved batch without waiting; satisfied by the
// command service.
type ApplyRunner interface {
	Enqueue(ctx context.Context, nodeID, commandType string, payload json.RawMessage) (*cmdmodels.Command, error)
	Get(ctx context.Context, commandID string) (*cmdmodels.Command, error)
	Cancel(ctx context.Context, nodeID, targetCommandID string) (*cmdmodels.Command, error)
}

// SystemUpdater discovers available OS updates on a slow cadence and drives
// the approval workflow.
type SystemUpdater struct {
	nodes    store.Store
	conns    ConnStatus
	lister   PackageLister
	history  *HistoryStore
	commands ApplyRunner
	events   bus.EventBus
	audit    Auditor
	logger   *logger.Logger

	interval    time.Duration
	autoApprove bool // global default; node approval mode can still be manual

	inFlight sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSystemUpdater creates the OS update scheduler.
func NewSystemUpdater(nodes store.Store, conns ConnStatus, lister PackageLister, history *HistoryStore, commands ApplyRunner, eventBus bus.EventBus, auditor Auditor, autoApprove bool, log *logger.Logger) *SystemUpdater {
	return &SystemUpdater{
		nodes:       nodes,
		conns:       conns,
		lister:      lister,
		history:     history,
		commands:    commands,
		events:      eventBus,
		audit:       auditor,
		logger:      log.WithFields(zap.String("component", "system-updater")),
		interval:    constants.SystemUpdateInterval,
		autoApprove: autoApprove,
	}
}

// SetInterval overrides the discovery cadence. Call before Start.
func (u *SystemUpdater) SetInterval(d time.Duration) {
	if d > 0 {
		u.interval = d
	}
}

// Start launches the scheduler loop.
func (u *SystemUpdater) Start(ctx context.Context) {
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
	u.logger.Info("system updater started", zap.Duration("interval", u.interval))
}

// Stop halts the scheduler and waits for an in-flight run.
func (u *SystemUpdater) Stop() {
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

// RunOnce performs one discovery pass. A manual trigger is audited even
// when nothing is found. Overlapping calls are skipped.
func (u *SystemUpdater) RunOnce(ctx context.Context, triggeredBy string) {
	if !u.inFlight.TryLock() {
		u.logger.Debug("skipping tick, previous run still in flight")
		return
	}
	defer u.inFlight.Unlock()

	if u.audit != nil && triggeredBy != "scheduler" {
		u.audit.Record("system_update.check", triggeredBy, "", nil)
	}

	nodes, err := u.nodes.ListNodes(ctx)
	if err != nil {
		u.logger.Error("failed to list nodes", zap.Error(err))
		return
	}
	for _, node := range nodes {
		u.discoverNode(ctx, node, triggeredBy)
	}
}

func (u *SystemUpdater) discoverNode(ctx context.Context, node *models.Node, triggeredBy string) {
	log := u.logger.WithNodeID(node.ID)

	settings, err := u.nodes.GetSettings(ctx, node.ID)
	if err != nil {
		log.Error("failed to load node settings", zap.Error(err))
		return
	}
	if !settings.SystemUpdateEnabled || !u.conns.IsConnected(node.ID) {
		return
	}
	if !settings.InMaintenanceWindow(time.Now().UTC()) {
		return
	}
	open, err := u.history.HasOpen(ctx, node.ID)
	if err != nil {
		log.Error("failed to check open history", zap.Error(err))
		return
	}
	if open {
		return
	}

	available, err := u.lister.ListAvailable(ctx, node.ID)
	if err != nil {
		log.Warn("package listing failed", zap.Error(err))
		return
	}
	matched := filterByCategories(available, settings.SystemUpdateCategories)
	if len(matched) == 0 {
		return
	}

	entry := &SystemUpdateHistory{
		ID:          uuid.New().String(),
		NodeID:      node.ID,
		Status:      HistoryPending,
		Packages:    matched,
		TriggeredBy: triggeredBy,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := u.history.Create(ctx, entry); err != nil {
		log.Error("failed to record update batch", zap.Error(err))
		return
	}
	log.Info("system update batch recorded",
		zap.String("history_id", entry.ID), zap.Int("packages", len(matched)))

	if u.autoApprove || settings.AutoUpdateApprovalMode == models.ApprovalAutomatic {
		if err := u.Approve(ctx, entry.ID, "auto"); err != nil {
			log.Warn("auto-approval failed", zap.Error(err))
		}
		return
	}
	u.publish(ctx, events.SystemUpdateCreated, map[string]interface{}{
		"node_id":    node.ID,
		"history_id": entry.ID,
		"packages":   len(matched),
	})
}

// Approve moves a pending batch to approved and queues the apply command.
func (u *SystemUpdater) Approve(ctx context.Context, historyID, actor string) error {
	entry, err := u.history.Get(ctx, historyID)
	if err != nil {
		return err
	}
	if entry.Status != HistoryPending {
		return ErrNotApprovable
	}

	names := make([]string, 0, len(entry.Packages))
	for _, p := range entry.Packages {
		names = append(names, p.Name)
	}
	payload, err := json.Marshal(agentwire.SystemUpdateRequest{
		HistoryID: entry.ID,
		Packages:  names,
	})
	if err != nil {
		return err
	}
	cmd, err := u.commands.Enqueue(ctx, entry.NodeID, agentwire.CommandSystemUpdate, payload)
	if err != nil {
		return fmt.Errorf("failed to queue system update: %w", err)
	}

	entry.Status = HistoryApproved
	entry.CommandID = cmd.ID
	entry.ApprovedBy = actor
	if err := u.history.Update(ctx, entry); err != nil {
		return err
	}
	if u.audit != nil {
		u.audit.Record("system_update.approve", actor, entry.NodeID,
			map[string]interface{}{"history_id": entry.ID, "packages": names})
	}
	return nil
}

// Cancel aborts a batch that has not finished.
func (u *SystemUpdater) Cancel(ctx context.Context, historyID, actor string) error {
	entry, err := u.history.Get(ctx, historyID)
	if err != nil {
		return err
	}
	if entry.Status.IsTerminal() {
		return ErrNotCancelable
	}
	if entry.CommandID != "" {
		if _, err := u.commands.Cancel(ctx, entry.NodeID, entry.CommandID); err != nil {
			u.logger.Warn("failed to queue cancel for system update",
				zap.String("history_id", entry.ID), zap.Error(err))
		}
	}
	entry.Status = HistoryCancelled
	now := time.Now().UTC()
	entry.CompletedAt = &now
	if err := u.history.Update(ctx, entry); err != nil {
		return err
	}
	if u.audit != nil {
		u.audit.Record("system_update.cancel", actor, entry.NodeID,
			map[string]string{"history_id": entry.ID})
	}
	return nil
}

// Get returns a history entry, resolving in-flight command state.
func (u *SystemUpdater) Get(ctx context.Context, historyID string) (*SystemUpdateHistory, error) {
	entry, err := u.history.Get(ctx, historyID)
	if err != nil {
		return nil, err
	}
	return u.resolve(ctx, entry), nil
}

// ListForNode returns a node's history, resolving in-flight entries.
func (u *SystemUpdater) ListForNode(ctx context.Context, nodeID string, limit int) ([]*SystemUpdateHistory, error) {
	entries, err := u.history.ListForNode(ctx, nodeID, limit)
	if err != nil {
		return nil, err
	}
	for i, entry := range entries {
		entries[i] = u.resolve(ctx, entry)
	}
	return entries, nil
}

// resolve maps the carrying command's state onto an approved batch and
// persists terminal outcomes.
func (u *SystemUpdater) resolve(ctx context.Context, entry *SystemUpdateHistory) *SystemUpdateHistory {
	if entry.Status.IsTerminal() || entry.CommandID == "" {
		return entry
	}
	cmd, err := u.commands.Get(ctx, entry.CommandID)
	if err != nil {
		return entry
	}
	switch cmd.Status {
	case cmdmodels.StatusSent:
		entry.Status = HistoryInProgress
	case cmdmodels.StatusSuccess, cmdmodels.StatusFailed:
		entry.Status = HistoryCompleted
		if cmd.Status == cmdmodels.StatusFailed {
			entry.Status = HistoryFailed
		}
		entry.Log = cmd.OutputLog
		now := time.Now().UTC()
		entry.CompletedAt = &now
		if err := u.history.Update(ctx, entry); err != nil {
			u.logger.Warn("failed to persist update outcome",
				zap.String("history_id", entry.ID), zap.Error(err))
		}
	}
	return entry
}

func (u *SystemUpdater) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if u.events == nil {
		return
	}
	event := bus.NewEvent(eventType, "system-updater", data)
	if err := u.events.Publish(ctx, eventType, event); err != nil {
		u.logger.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func filterByCategories(updates []agentwire.PackageUpdate, categories []string) []agentwire.PackageUpdate {
	if len(categories) == 0 {
		return updates
	}
	allowed := make(map[string]bool, len(categories))
	for _, c := range categories {
		allowed[c] = true
	}
	out := []agentwire.PackageUpdate{}
	for _, p := range updates {
		if allowed[p.Category] {
			out = append(out, p)
		}
	}
	return out
}
