package updates

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdmodels "github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/common/config"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/db"
	"github.com/manlab/manlab/internal/events"
	"github.com/manlab/manlab/internal/events/bus"
	"github.com/manlab/manlab/internal/node/models"
	"github.com/manlab/manlab/internal/node/store"
	"github.com/manlab/manlab/pkg/agentwire"
)

type listerStub struct {
	updates []agentwire.PackageUpdate
	err     error

	mu    sync.Mutex
	calls int
}

func (l *listerStub) ListAvailable(ctx context.Context, nodeID string) ([]agentwire.PackageUpdate, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return l.updates, l.err
}

func (l *listerStub) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type applyRunnerStub struct {
	mu       sync.Mutex
	enqueued []struct {
		NodeID  string
		Type    string
		Payload json.RawMessage
	}
	statuses map[string]cmdmodels.Status
	outputs  map[string]string
	cancels  int
}

func newApplyRunnerStub() *applyRunnerStub {
	return &applyRunnerStub{
		statuses: map[string]cmdmodels.Status{},
		outputs:  map[string]string{},
	}
}

func (r *applyRunnerStub) Enqueue(ctx context.Context, nodeID, commandType string, payload json.RawMessage) (*cmdmodels.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueued = append(r.enqueued, struct {
		NodeID  string
		Type    string
		Payload json.RawMessage
	}{nodeID, commandType, payload})
	id := "cmd-apply"
	r.statuses[id] = cmdmodels.StatusQueued
	return &cmdmodels.Command{ID: id, NodeID: nodeID, Type: commandType, Status: cmdmodels.StatusQueued}, nil
}

func (r *applyRunnerStub) Get(ctx context.Context, commandID string) (*cmdmodels.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[commandID]
	if !ok {
		return nil, errors.New("command not found")
	}
	return &cmdmodels.Command{ID: commandID, Status: status, OutputLog: r.outputs[commandID]}, nil
}

func (r *applyRunnerStub) Cancel(ctx context.Context, nodeID, targetCommandID string) (*cmdmodels.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels++
	return &cmdmodels.Command{ID: targetCommandID, Status: cmdmodels.StatusFailed}, nil
}

func (r *applyRunnerStub) setStatus(commandID string, status cmdmodels.Status, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[commandID] = status
	r.outputs[commandID] = output
}

type systemHarness struct {
	nodes    store.Store
	history  *HistoryStore
	lister   *listerStub
	runner   *applyRunnerStub
	eventBus *bus.MemoryEventBus
	updater  *SystemUpdater
	auditor  *auditStub
}

func newSystemHarness(t *testing.T, autoApprove bool) *systemHarness {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "system.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	nodes, err := store.NewSQLStore(pool)
	require.NoError(t, err)
	history, err := NewHistoryStore(pool)
	require.NoError(t, err)

	h := &systemHarness{
		nodes:    nodes,
		history:  history,
		lister:   &listerStub{},
		runner:   newApplyRunnerStub(),
		eventBus: bus.NewMemoryEventBus(logger.Default()),
		auditor:  &auditStub{},
	}
	h.updater = NewSystemUpdater(nodes, connsStub{connected: true}, h.lister,
		history, h.runner, h.eventBus, h.auditor, autoApprove, logger.Default())
	return h
}

func securityUpdates() []agentwire.PackageUpdate {
	return []agentwire.PackageUpdate{
		{Name: "openssl", CurrentVersion: "3.0.1", NewVersion: "3.0.2", Category: "security"},
		{Name: "htop", CurrentVersion: "3.2.1", NewVersion: "3.2.2", Category: "optional"},
	}
}

func TestSystemUpdaterCreatesPendingBatch(t *testing.T) {
	ctx := context.Background()
	h := newSystemHarness(t, false)
	seedNode(t, h.nodes, "n1", "1.0.0", &models.NodeSettings{SystemUpdateEnabled: true})
	h.lister.updates = securityUpdates()
	created := subscribe(t, h.eventBus, events.SystemUpdateCreated)

	h.updater.RunOnce(ctx, "scheduler")

	entries, err := h.history.ListForNode(ctx, "n1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, HistoryPending, entries[0].Status)
	assert.Len(t, entries[0].Packages, 2)
	assert.Equal(t, "scheduler", entries[0].TriggeredBy)

	event := waitEvent(t, created)
	assert.Equal(t, "n1", event.Data["node_id"])
	assert.Equal(t, 0, len(h.runner.enqueued))
}

func TestSystemUpdaterFiltersByCategory(t *testing.T) {
	ctx := context.Background()
	h := newSystemHarness(t, false)
	seedNode(t, h.nodes, "n1", "1.0.0", &models.NodeSettings{
		SystemUpdateEnabled:    true,
		SystemUpdateCategories: []string{"security"},
	})
	h.lister.updates = securityUpdates()

	h.updater.RunOnce(ctx, "scheduler")

	entries, err := h.history.ListForNode(ctx, "n1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Packages, 1)
	assert.Equal(t, "openssl", entries[0].Packages[0].Name)
}

func TestSystemUpdaterSkipsNodesWithOpenBatch(t *testing.T) {
	ctx := context.Background()
	h := newSystemHarness(t, false)
	seedNode(t, h.nodes, "n1", "1.0.0", &models.NodeSettings{SystemUpdateEnabled: true})
	h.lister.updates = securityUpdates()

	h.updater.RunOnce(ctx, "scheduler")
	h.updater.RunOnce(ctx, "scheduler")

	entries, err := h.history.ListForNode(ctx, "n1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, h.lister.callCount())
}

func TestSystemUpdaterRespectsMaintenanceWindow(t *testing.T) {
	ctx := context.Background()
	h := newSystemHarness(t, false)
	// A zero-length window never opens.
	seedNode(t, h.nodes, "n1", "1.0.0", &models.NodeSettings{
		SystemUpdateEnabled:    true,
		MaintenanceWindowStart: "00:00",
		MaintenanceWindowEnd:   "00:00",
	})
	h.lister.updates = securityUpdates()

	h.updater.RunOnce(ctx, "scheduler")

	assert.Equal(t, 0, h.lister.callCount())
	entries, err := h.history.ListForNode(ctx, "n1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSystemUpdaterSkipsDisabledNode(t *testing.T) {
	ctx := context.Background()
	h := newSystemHarness(t, false)
	seedNode(t, h.nodes, "n1", "1.0.0", nil)
	h.lister.updates = securityUpdates()

	h.updater.RunOnce(ctx, "scheduler")

	assert.Equal(t, 0, h.lister.callCount())
}

func TestSystemUpdaterAutoApprove(t *testing.T) {
	ctx := context.Background()
	h := newSystemHarness(t, true)
	seedNode(t, h.nodes, "n1", "1.0.0", &models.NodeSettings{SystemUpdateEnabled: true})
	h.lister.updates = securityUpdates()

	h.updater.RunOnce(ctx, "scheduler")

	entries, err := h.history.ListForNode(ctx, "n1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, HistoryApproved, entries[0].Status)
	assert.Equal(t, "cmd-apply", entries[0].CommandID)
	assert.Equal(t, "auto", entries[0].ApprovedBy)

	require.Len(t, h.runner.enqueued, 1)
	var req agentwire.SystemUpdateRequest
	require.NoError(t, json.Unmarshal(h.runner.enqueued[0].Payload, &req))
	assert.Equal(t, entries[0].ID, req.HistoryID)
	assert.ElementsMatch(t, []string{"openssl", "htop"}, req.Packages)
}

func TestApproveQueuesApplyCommand(t *testing.T) {
	ctx := context.Background()
	h := newSystemHarness(t, false)
	seedNode(t, h.nodes, "n1", "1.0.0", &models.NodeSettings{SystemUpdateEnabled: true})
	h.lister.updates = securityUpdates()
	h.updater.RunOnce(ctx, "scheduler")

	entries, err := h.history.ListForNode(ctx, "n1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, h.updater.Approve(ctx, entries[0].ID, "alice"))

	entry, err := h.history.Get(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, HistoryApproved, entry.Status)
	assert.Equal(t, "alice", entry.ApprovedBy)
	assert.True(t, h.auditor.has("system_update.approve"))

	// Approving twice is rejected.
	assert.ErrorIs(t, h.updater.Approve(ctx, entries[0].ID, "alice"), ErrNotApprovable)
}

func TestGetResolvesCommandOutcome(t *testing.T) {
	ctx := context.Background()
	h := newSystemHarness(t, true)
	seedNode(t, h.nodes, "n1", "1.0.0", &models.NodeSettings{SystemUpdateEnabled: true})
	h.lister.updates = securityUpdates()
	h.updater.RunOnce(ctx, "scheduler")

	entries, err := h.history.ListForNode(ctx, "n1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	id := entries[0].ID

	h.runner.setStatus("cmd-apply", cmdmodels.StatusSent, "")
	entry, err := h.updater.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, HistoryInProgress, entry.Status)

	h.runner.setStatus("cmd-apply", cmdmodels.StatusSuccess, "upgraded 2 packages")
	entry, err = h.updater.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, HistoryCompleted, entry.Status)
	assert.Equal(t, "upgraded 2 packages", entry.Log)
	require.NotNil(t, entry.CompletedAt)

	// Outcome is persisted; a fresh read no longer consults the queue.
	stored, err := h.history.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, HistoryCompleted, stored.Status)
}

func TestGetResolvesFailure(t *testing.T) {
	ctx := context.Background()
	h := newSystemHarness(t, true)
	seedNode(t, h.nodes, "n1", "1.0.0", &models.NodeSettings{SystemUpdateEnabled: true})
	h.lister.updates = securityUpdates()
	h.updater.RunOnce(ctx, "scheduler")

	entries, err := h.history.ListForNode(ctx, "n1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	h.runner.setStatus("cmd-apply", cmdmodels.StatusFailed, "dpkg lock held")
	entry, err := h.updater.Get(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, HistoryFailed, entry.Status)
	assert.Equal(t, "dpkg lock held", entry.Log)
}

func TestCancelBatch(t *testing.T) {
	ctx := context.Background()
	h := newSystemHarness(t, true)
	seedNode(t, h.nodes, "n1", "1.0.0", &models.NodeSettings{SystemUpdateEnabled: true})
	h.lister.updates = securityUpdates()
	h.updater.RunOnce(ctx, "scheduler")

	entries, err := h.history.ListForNode(ctx, "n1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, h.updater.Cancel(ctx, entries[0].ID, "alice"))

	entry, err := h.history.Get(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, HistoryCancelled, entry.Status)
	assert.Equal(t, 1, h.runner.cancels)
	assert.True(t, h.auditor.has("system_update.cancel"))

	assert.ErrorIs(t, h.updater.Cancel(ctx, entries[0].ID, "alice"), ErrNotCancelable)
}

func TestManualTriggerAuditedWithZeroMatches(t *testing.T) {
	ctx := context.Background()
	h := newSystemHarness(t, false)
	seedNode(t, h.nodes, "n1", "1.0.0", &models.NodeSettings{SystemUpdateEnabled: true})
	h.lister.updates = nil

	h.updater.RunOnce(ctx, "alice")

	entries, err := h.history.ListForNode(ctx, "n1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.True(t, h.auditor.has("system_update.check"))
}

func TestSystemUpdaterStartStop(t *testing.T) {
	h := newSystemHarness(t, false)
	h.updater.interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.updater.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	h.updater.Stop()
	h.updater.Stop()
}
