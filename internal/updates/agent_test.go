package updates

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manlab/manlab/internal/command"
	cmdmodels "github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/common/config"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/db"
	"github.com/manlab/manlab/internal/events"
	"github.com/manlab/manlab/internal/events/bus"
	"github.com/manlab/manlab/internal/node/models"
	"github.com/manlab/manlab/internal/node/store"
	"github.com/manlab/manlab/internal/updates/catalog"
	"github.com/manlab/manlab/pkg/agentwire"
)

type stubCatalog struct {
	release *catalog.Release
	err     error
}

func (c *stubCatalog) Latest(ctx context.Context) (*catalog.Release, error) {
	return c.release, c.err
}

type runCall struct {
	NodeID  string
	Type    string
	Payload interface{}
}

type runnerStub struct {
	mu    sync.Mutex
	calls []runCall
	fail  bool
}

func (r *runnerStub) Run(ctx context.Context, nodeID, commandType string, payload interface{}, _ command.WaitOption) (*cmdmodels.Command, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runCall{NodeID: nodeID, Type: commandType, Payload: payload})
	r.mu.Unlock()
	if r.fail {
		return nil, errors.New("agent reported failure")
	}
	return &cmdmodels.Command{ID: "cmd-1", Status: cmdmodels.StatusSuccess}, nil
}

func (r *runnerStub) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type connsStub struct{ connected bool }

func (c connsStub) IsConnected(string) bool { return c.connected }

type auditStub struct {
	mu      sync.Mutex
	actions []string
}

func (a *auditStub) Record(action, actor, nodeID string, detail interface{}) {
	a.mu.Lock()
	a.actions = append(a.actions, action)
	a.mu.Unlock()
}

func (a *auditStub) has(action string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, got := range a.actions {
		if got == action {
			return true
		}
	}
	return false
}

func newNodeStore(t *testing.T) store.Store {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "updates.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	s, err := store.NewSQLStore(pool)
	require.NoError(t, err)
	return s
}

func seedNode(t *testing.T, s store.Store, id, version string, settings *models.NodeSettings) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateNode(ctx, &models.Node{
		ID:           id,
		Hostname:     id,
		AgentVersion: version,
		AuthKeyHash:  "hash-" + id,
		Status:       models.StatusOnline,
		LastSeen:     time.Now().UTC(),
	}))
	if settings != nil {
		settings.NodeID = id
		require.NoError(t, s.UpsertSettings(ctx, settings))
	}
}

func waitEvent(t *testing.T, ch <-chan *bus.Event) *bus.Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func subscribe(t *testing.T, eventBus bus.EventBus, subject string) <-chan *bus.Event {
	t.Helper()
	ch := make(chan *bus.Event, 8)
	_, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		ch <- event
		return nil
	})
	require.NoError(t, err)
	return ch
}

func TestAgentUpdaterAppliesAutomatic(t *testing.T) {
	nodes := newNodeStore(t)
	seedNode(t, nodes, "n1", "1.0.0", &models.NodeSettings{
		AutoUpdateEnabled:      true,
		AutoUpdateApprovalMode: models.ApprovalAutomatic,
	})
	runner := &runnerStub{}
	auditor := &auditStub{}
	u := NewAgentUpdater(nodes, connsStub{connected: true},
		&stubCatalog{release: &catalog.Release{Version: "1.1.0", DownloadURL: "https://dl/1.1.0", Checksum: "abc"}},
		runner, nil, auditor, logger.Default())

	u.RunOnce(context.Background(), "scheduler")

	require.Equal(t, 1, runner.count())
	call := runner.calls[0]
	assert.Equal(t, "n1", call.NodeID)
	assert.Equal(t, agentwire.CommandAgentUpdate, call.Type)
	req, ok := call.Payload.(agentwire.AgentUpdateRequest)
	require.True(t, ok)
	assert.Equal(t, "1.1.0", req.Version)
	assert.Equal(t, "https://dl/1.1.0", req.DownloadURL)

	node, err := nodes.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Empty(t, node.PendingAgentVersion)
	assert.True(t, auditor.has("agent.update"))
}

func TestAgentUpdaterManualModeRecordsPending(t *testing.T) {
	nodes := newNodeStore(t)
	seedNode(t, nodes, "n1", "1.0.0", &models.NodeSettings{
		AutoUpdateEnabled:      true,
		AutoUpdateApprovalMode: models.ApprovalManual,
	})
	eventBus := bus.NewMemoryEventBus(logger.Default())
	pending := subscribe(t, eventBus, events.PendingUpdateCreated)
	runner := &runnerStub{}
	u := NewAgentUpdater(nodes, connsStub{connected: true},
		&stubCatalog{release: &catalog.Release{Version: "1.1.0"}},
		runner, eventBus, nil, logger.Default())

	u.RunOnce(context.Background(), "scheduler")

	assert.Equal(t, 0, runner.count())
	node, err := nodes.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", node.PendingAgentVersion)

	event := waitEvent(t, pending)
	assert.Equal(t, "n1", event.Data["node_id"])
	assert.Equal(t, "1.1.0", event.Data["version"])

	// A second pass must not republish for the same pending version.
	u.RunOnce(context.Background(), "scheduler")
	select {
	case <-pending:
		t.Fatal("duplicate pending event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAgentUpdaterUpToDateResetsFailures(t *testing.T) {
	nodes := newNodeStore(t)
	seedNode(t, nodes, "n1", "1.1.0", &models.NodeSettings{
		AutoUpdateEnabled:      true,
		AutoUpdateApprovalMode: models.ApprovalAutomatic,
		AutoUpdateFailures:     3,
	})
	runner := &runnerStub{}
	u := NewAgentUpdater(nodes, connsStub{connected: true},
		&stubCatalog{release: &catalog.Release{Version: "1.1.0"}},
		runner, nil, nil, logger.Default())

	u.RunOnce(context.Background(), "scheduler")

	assert.Equal(t, 0, runner.count())
	settings, err := nodes.GetSettings(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, 0, settings.AutoUpdateFailures)
}

func TestAgentUpdaterDisablesAfterRepeatedFailures(t *testing.T) {
	nodes := newNodeStore(t)
	seedNode(t, nodes, "n1", "1.0.0", &models.NodeSettings{
		AutoUpdateEnabled:      true,
		AutoUpdateApprovalMode: models.ApprovalAutomatic,
		AutoUpdateFailures:     maxAutoUpdateFailures - 1,
	})
	runner := &runnerStub{fail: true}
	auditor := &auditStub{}
	u := NewAgentUpdater(nodes, connsStub{connected: true},
		&stubCatalog{release: &catalog.Release{Version: "1.1.0"}},
		runner, nil, auditor, logger.Default())

	u.RunOnce(context.Background(), "scheduler")

	settings, err := nodes.GetSettings(context.Background(), "n1")
	require.NoError(t, err)
	assert.False(t, settings.AutoUpdateEnabled)
	assert.Equal(t, maxAutoUpdateFailures, settings.AutoUpdateFailures)
	assert.True(t, auditor.has("agent.update.disabled"))
}

func TestAgentUpdaterRespectsMaintenanceWindow(t *testing.T) {
	nodes := newNodeStore(t)
	// A zero-length window never opens.
	seedNode(t, nodes, "n1", "1.0.0", &models.NodeSettings{
		AutoUpdateEnabled:      true,
		AutoUpdateApprovalMode: models.ApprovalAutomatic,
		MaintenanceWindowStart: "00:00",
		MaintenanceWindowEnd:   "00:00",
	})
	runner := &runnerStub{}
	u := NewAgentUpdater(nodes, connsStub{connected: true},
		&stubCatalog{release: &catalog.Release{Version: "1.1.0"}},
		runner, nil, nil, logger.Default())

	u.RunOnce(context.Background(), "scheduler")

	assert.Equal(t, 0, runner.count())
	node, err := nodes.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Empty(t, node.PendingAgentVersion)
}

func TestAgentUpdaterSkipsDisconnectedNode(t *testing.T) {
	nodes := newNodeStore(t)
	seedNode(t, nodes, "n1", "1.0.0", &models.NodeSettings{
		AutoUpdateEnabled:      true,
		AutoUpdateApprovalMode: models.ApprovalAutomatic,
	})
	runner := &runnerStub{}
	u := NewAgentUpdater(nodes, connsStub{connected: false},
		&stubCatalog{release: &catalog.Release{Version: "1.1.0"}},
		runner, nil, nil, logger.Default())

	u.RunOnce(context.Background(), "scheduler")

	assert.Equal(t, 0, runner.count())
}

func TestAgentUpdaterSkipsOptedOutNode(t *testing.T) {
	nodes := newNodeStore(t)
	// No settings row: auto-update defaults to disabled.
	seedNode(t, nodes, "n1", "1.0.0", nil)
	runner := &runnerStub{}
	u := NewAgentUpdater(nodes, connsStub{connected: true},
		&stubCatalog{release: &catalog.Release{Version: "1.1.0"}},
		runner, nil, nil, logger.Default())

	u.RunOnce(context.Background(), "scheduler")

	assert.Equal(t, 0, runner.count())
}

func TestAgentUpdaterManualTriggerAudited(t *testing.T) {
	nodes := newNodeStore(t)
	// Node already on the latest release; the pass finds nothing to do.
	seedNode(t, nodes, "n1", "1.1.0", &models.NodeSettings{
		AutoUpdateEnabled:      true,
		AutoUpdateApprovalMode: models.ApprovalAutomatic,
	})
	runner := &runnerStub{}
	auditor := &auditStub{}
	u := NewAgentUpdater(nodes, connsStub{connected: true},
		&stubCatalog{release: &catalog.Release{Version: "1.1.0"}},
		runner, nil, auditor, logger.Default())

	u.RunOnce(context.Background(), "alice")

	assert.Equal(t, 0, runner.count())
	assert.True(t, auditor.has("agent_update.check"))

	// Scheduler passes are not audited.
	u.RunOnce(context.Background(), "scheduler")
	assert.Len(t, auditor.actions, 1)
}

func TestApplyPending(t *testing.T) {
	ctx := context.Background()
	nodes := newNodeStore(t)
	seedNode(t, nodes, "n1", "1.0.0", &models.NodeSettings{
		AutoUpdateEnabled:      true,
		AutoUpdateApprovalMode: models.ApprovalManual,
	})
	require.NoError(t, nodes.SetPendingAgentVersion(ctx, "n1", "1.1.0"))

	runner := &runnerStub{}
	u := NewAgentUpdater(nodes, connsStub{connected: true},
		&stubCatalog{release: &catalog.Release{Version: "1.1.0"}},
		runner, nil, nil, logger.Default())

	require.NoError(t, u.ApplyPending(ctx, "n1", "operator"))
	assert.Equal(t, 1, runner.count())

	node, err := nodes.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, node.PendingAgentVersion)
}

func TestApplyPendingWithoutPendingVersion(t *testing.T) {
	nodes := newNodeStore(t)
	seedNode(t, nodes, "n1", "1.0.0", nil)
	u := NewAgentUpdater(nodes, connsStub{connected: true},
		&stubCatalog{release: &catalog.Release{Version: "1.1.0"}},
		&runnerStub{}, nil, nil, logger.Default())

	err := u.ApplyPending(context.Background(), "n1", "operator")
	assert.ErrorIs(t, err, catalog.ErrNoReleases)
}
