package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manlab/manlab/internal/command"
	cmdmodels "github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/common/config"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/db"
	nodemodels "github.com/manlab/manlab/internal/node/models"
	"github.com/manlab/manlab/internal/session"
	sessmodels "github.com/manlab/manlab/internal/session/models"
	"github.com/manlab/manlab/internal/vpath"
	"github.com/manlab/manlab/pkg/agentwire"
)

// scriptedRunner returns canned output per command type.
type scriptedRunner struct {
	outputs map[string]string
	fail    map[string]string // type -> failure tail
	calls   []string
}

func (r *scriptedRunner) Run(_ context.Context, nodeID, commandType string, payload interface{}, _ command.WaitOption) (*cmdmodels.Command, error) {
	r.calls = append(r.calls, commandType)
	if tail, ok := r.fail[commandType]; ok {
		return &cmdmodels.Command{NodeID: nodeID, Type: commandType, Status: cmdmodels.StatusFailed, OutputLog: tail},
			fmt.Errorf("%w: %s", command.ErrAgentFailed, tail)
	}
	return &cmdmodels.Command{
		NodeID:    nodeID,
		Type:      commandType,
		Status:    cmdmodels.StatusSuccess,
		OutputLog: r.outputs[commandType],
	}, nil
}

func (r *scriptedRunner) Enqueue(_ context.Context, nodeID, commandType string, payload json.RawMessage) (*cmdmodels.Command, error) {
	r.calls = append(r.calls, commandType)
	return &cmdmodels.Command{NodeID: nodeID, Type: commandType, Status: cmdmodels.StatusQueued}, nil
}

type fixedSettings struct {
	enabled bool
}

func (f *fixedSettings) GetSettings(_ context.Context, nodeID string) (*nodemodels.NodeSettings, error) {
	return &nodemodels.NodeSettings{NodeID: nodeID, RemoteToolsEnabled: f.enabled}, nil
}

func newPolicyStore(t *testing.T) *session.PolicyStore {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "policies.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	st, err := session.NewPolicyStore(pool)
	require.NoError(t, err)
	return st
}

func TestTerminalOpenInputClose(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{
		agentwire.CommandTerminalOpen:  "login$ ",
		agentwire.CommandTerminalInput: "total 0\nlogin$ ",
		agentwire.CommandTerminalClose: "",
	}}
	term := NewTerminal(session.NewManager(sessmodels.KindTerminal), runner, &fixedSettings{enabled: true}, logger.Default())
	ctx := context.Background()

	s, err := term.Open(ctx, "node-1", "bash", "admin", time.Minute)
	require.NoError(t, err)

	out, err := term.Input(ctx, s.ID, "ls\n")
	require.NoError(t, err)
	assert.Equal(t, "total 0\nlogin$ ", out)

	_, buffered, err := term.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "login$ total 0\nlogin$ ", buffered)

	require.NoError(t, term.Close(ctx, s.ID))
	_, _, err = term.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTerminalRequiresRemoteTools(t *testing.T) {
	term := NewTerminal(session.NewManager(sessmodels.KindTerminal), &scriptedRunner{}, &fixedSettings{enabled: false}, logger.Default())
	_, err := term.Open(context.Background(), "node-1", "", "", time.Minute)
	assert.ErrorIs(t, err, ErrRemoteToolsDisabled)
}

func TestLogViewerPolicyScoping(t *testing.T) {
	policies := newPolicyStore(t)
	ctx := context.Background()

	policy := &sessmodels.LogViewerPolicy{NodeID: "node-1", Name: "syslog", Path: "/var/log/syslog"}
	require.NoError(t, policies.CreateLogViewerPolicy(ctx, policy))

	runner := &scriptedRunner{outputs: map[string]string{
		agentwire.CommandLogRead: `{"path":"/var/log/syslog","lines":["a","b"],"truncated":false}`,
	}}
	viewer := NewLogViewer(session.NewManager(sessmodels.KindLogViewer), policies, runner, &fixedSettings{enabled: true})

	// Policy on another node must be rejected.
	_, err := viewer.CreateSession(ctx, "node-2", policy.ID, "", time.Minute)
	assert.ErrorIs(t, err, ErrPolicyMismatch)

	s, err := viewer.CreateSession(ctx, "node-1", policy.ID, "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/syslog", s.Root)

	result, err := viewer.Read(ctx, s.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, result.Lines)
}

func TestLogViewerMalformedAgentOutput(t *testing.T) {
	policies := newPolicyStore(t)
	ctx := context.Background()
	policy := &sessmodels.LogViewerPolicy{NodeID: "node-1", Name: "app", Path: "/var/log/app.log"}
	require.NoError(t, policies.CreateLogViewerPolicy(ctx, policy))

	runner := &scriptedRunner{outputs: map[string]string{agentwire.CommandLogRead: "not json"}}
	viewer := NewLogViewer(session.NewManager(sessmodels.KindLogViewer), policies, runner, &fixedSettings{enabled: true})

	s, err := viewer.CreateSession(ctx, "node-1", policy.ID, "", time.Minute)
	require.NoError(t, err)
	_, err = viewer.Read(ctx, s.ID, 10)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestFileBrowserRootEnforcement(t *testing.T) {
	policies := newPolicyStore(t)
	ctx := context.Background()
	policy := &sessmodels.FileBrowserPolicy{NodeID: "node-1", Name: "data", RootPath: "/srv/data"}
	require.NoError(t, policies.CreateFileBrowserPolicy(ctx, policy))

	runner := &scriptedRunner{outputs: map[string]string{
		agentwire.CommandFileList: `{"entries":[{"name":"x.txt","path":"/srv/data/x.txt","isDir":false,"sizeBytes":12,"modTime":"2026-01-02T03:04:05Z"}],"truncated":false}`,
	}}
	browser := NewFileBrowser(session.NewManager(sessmodels.KindFileBrowser), policies, runner, &fixedSettings{enabled: true})

	s, err := browser.CreateSession(ctx, "node-1", policy.ID, "", time.Minute)
	require.NoError(t, err)

	result, err := browser.List(ctx, s.ID, "/srv/data", 0)
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "x.txt", result.Entries[0].Name)

	// Escape attempts: traversal fails normalization, siblings fail the
	// root check.
	_, err = browser.List(ctx, s.ID, "/srv/data/../secrets", 0)
	assert.ErrorIs(t, err, vpath.ErrTraversal)

	_, err = browser.List(ctx, s.ID, "/srv/database", 0)
	assert.ErrorIs(t, err, ErrPathOutsideRoot)
}

func TestFileBrowserLegacyListShape(t *testing.T) {
	policies := newPolicyStore(t)
	ctx := context.Background()
	policy := &sessmodels.FileBrowserPolicy{NodeID: "node-1", Name: "data", RootPath: "/srv"}
	require.NoError(t, policies.CreateFileBrowserPolicy(ctx, policy))

	runner := &scriptedRunner{outputs: map[string]string{
		agentwire.CommandFileList: `[{"name":"a","path":"/srv/a","isDir":true,"sizeBytes":0,"modTime":"2026-01-02T03:04:05Z"}]`,
	}}
	browser := NewFileBrowser(session.NewManager(sessmodels.KindFileBrowser), policies, runner, &fixedSettings{enabled: true})

	s, err := browser.CreateSession(ctx, "node-1", policy.ID, "", time.Minute)
	require.NoError(t, err)

	result, err := browser.List(ctx, s.ID, "/srv/a", 0)
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.False(t, result.Truncated)
}

func TestFileBrowserReadClampsToPolicyLimit(t *testing.T) {
	policies := newPolicyStore(t)
	ctx := context.Background()
	policy := &sessmodels.FileBrowserPolicy{NodeID: "node-1", Name: "data", RootPath: "/srv", MaxReadBytes: 1024}
	require.NoError(t, policies.CreateFileBrowserPolicy(ctx, policy))

	content := strings.Repeat("x", 16)
	runner := &scriptedRunner{outputs: map[string]string{
		agentwire.CommandFileRead: `{"path":"/srv/f","content":"` + content + `","truncated":true}`,
	}}
	browser := NewFileBrowser(session.NewManager(sessmodels.KindFileBrowser), policies, runner, &fixedSettings{enabled: true})

	s, err := browser.CreateSession(ctx, "node-1", policy.ID, "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), s.ByteLimit)

	result, err := browser.Read(ctx, s.ID, "/srv/f", 1<<30)
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Equal(t, content, result.Content)
}

func TestSystemSessionIsRootedAtSlash(t *testing.T) {
	policies := newPolicyStore(t)
	browser := NewFileBrowser(session.NewManager(sessmodels.KindFileBrowser), policies, &scriptedRunner{outputs: map[string]string{}}, &fixedSettings{enabled: true})

	s, err := browser.CreateSystemSession(context.Background(), "node-1", "admin", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "/", s.Root)

	_, path, err := browser.ResolvePath(s.ID, "/anything/at/all")
	require.NoError(t, err)
	assert.Equal(t, "/anything/at/all", path)
}
