package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/common/config"
	"github.com/manlab/manlab/internal/common/constants"
	"github.com/manlab/manlab/internal/db"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "commands.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	st, err := NewSQLStore(pool)
	require.NoError(t, err)
	return st
}

func TestEnqueueAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cmd, err := st.Enqueue(ctx, "node-1", "file.list", json.RawMessage(`{"path":"/var/log"}`))
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, cmd.Status)

	got, err := st.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, "node-1", got.NodeID)
	assert.Equal(t, "file.list", got.Type)
	assert.JSONEq(t, `{"path":"/var/log"}`, string(got.Payload))
}

func TestGetUnknownCommand(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestMarkSentIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cmd, err := st.Enqueue(ctx, "node-1", "script.run", nil)
	require.NoError(t, err)

	ok, err := st.MarkSent(ctx, cmd.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.MarkSent(ctx, cmd.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.NotNil(t, got.SentAt)
}

func TestCompleteFromQueuedAndFromSent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Agents may complete synchronously before the sent transition lands.
	direct, err := st.Enqueue(ctx, "node-1", "file.list", nil)
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, direct.ID, models.StatusSuccess, `{"entries":[]}`))

	viaSent, err := st.Enqueue(ctx, "node-1", "file.list", nil)
	require.NoError(t, err)
	_, err = st.MarkSent(ctx, viaSent.ID)
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, viaSent.ID, models.StatusFailed, "boom"))

	got, err := st.Get(ctx, viaSent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.OutputLog)
	assert.NotNil(t, got.CompletedAt)
}

func TestCompleteNeverMovesBackward(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cmd, err := st.Enqueue(ctx, "node-1", "script.run", nil)
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, cmd.ID, models.StatusFailed, "timeout"))

	// Late success from the agent is dropped.
	err = st.Complete(ctx, cmd.ID, models.StatusSuccess, "done after all")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	got, err := st.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "timeout", got.OutputLog)

	// MarkSent on a terminal command reports false without mutating.
	ok, err := st.MarkSent(ctx, cmd.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteTruncatesOutputTail(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cmd, err := st.Enqueue(ctx, "node-1", "log.read", nil)
	require.NoError(t, err)

	huge := strings.Repeat("y", constants.TailCapDefault*2)
	require.NoError(t, st.Complete(ctx, cmd.ID, models.StatusSuccess, huge))

	got, err := st.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got.OutputLog), constants.TailCapDefault)
	assert.Contains(t, got.OutputLog, "…[truncated ")
}

func TestFileReadUsesTighterCap(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cmd, err := st.Enqueue(ctx, "node-1", "file.read", nil)
	require.NoError(t, err)

	content := strings.Repeat("z", constants.TailCapDefault)
	require.NoError(t, st.Complete(ctx, cmd.ID, models.StatusSuccess, content))

	got, err := st.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got.OutputLog), constants.TailCapFileRead)
}

func TestListPendingOrdersByEnqueue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.Enqueue(ctx, "node-1", "file.list", nil)
	require.NoError(t, err)
	second, err := st.Enqueue(ctx, "node-1", "log.read", nil)
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, "node-2", "file.list", nil)
	require.NoError(t, err)
	done, err := st.Enqueue(ctx, "node-1", "script.run", nil)
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, done.ID, models.StatusSuccess, ""))
	_, err = st.MarkSent(ctx, second.ID)
	require.NoError(t, err)

	pending, err := st.ListPending(ctx, "node-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
}

func TestListUndispatchedForConnected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	queued, err := st.Enqueue(ctx, "node-1", "file.list", nil)
	require.NoError(t, err)
	sent, err := st.Enqueue(ctx, "node-1", "log.read", nil)
	require.NoError(t, err)
	_, err = st.MarkSent(ctx, sent.ID)
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, "node-offline", "file.list", nil)
	require.NoError(t, err)

	cmds, err := st.ListUndispatchedForConnected(ctx, []string{"node-1", "node-3"})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, queued.ID, cmds[0].ID)

	empty, err := st.ListUndispatchedForConnected(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
