package download

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manlab/manlab/internal/command"
	cmdmodels "github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/common/config"
	"github.com/manlab/manlab/internal/common/logger"
	sessmodels "github.com/manlab/manlab/internal/session/models"
	"github.com/manlab/manlab/internal/stream"
	"github.com/manlab/manlab/pkg/agentwire"
)

type fakeRunner struct {
	mu       sync.Mutex
	outputs  map[string]string // command type -> OutputLog
	enqueued []string          // command types passed to Enqueue
	payloads []json.RawMessage
	cancels  int
}

func (f *fakeRunner) Run(ctx context.Context, nodeID, commandType string, payload interface{}, deadline command.WaitOption) (*cmdmodels.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &cmdmodels.Command{
		NodeID:  nodeID,
		Type:    commandType,
		Status:  cmdmodels.StatusSuccess,
		OutputLog: f.outputs[commandType],
	}, nil
}

func (f *fakeRunner) Enqueue(ctx context.Context, nodeID, commandType string, payload json.RawMessage) (*cmdmodels.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, commandType)
	f.payloads = append(f.payloads, payload)
	return &cmdmodels.Command{NodeID: nodeID, Type: commandType, Status: cmdmodels.StatusQueued}, nil
}

func (f *fakeRunner) Cancel(ctx context.Context, nodeID, targetCommandID string) (*cmdmodels.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return &cmdmodels.Command{NodeID: nodeID, Type: agentwire.CommandCancel, Status: cmdmodels.StatusQueued}, nil
}

func (f *fakeRunner) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type fakeResolver struct{ nodeID string }

func (f *fakeResolver) ResolvePath(sessionID, raw string) (*sessmodels.Session, string, error) {
	return &sessmodels.Session{ID: sessionID, NodeID: f.nodeID, Root: "/var/logs"}, "/var/logs/" + raw, nil
}

type fakeConns struct{ connected bool }

func (f *fakeConns) IsConnected(nodeID string) bool { return f.connected }

func newTestCoordinator(t *testing.T, runner *fakeRunner) (*Coordinator, *stream.Registry) {
	t.Helper()
	streams := stream.NewRegistry(4)
	c := NewCoordinator(streams, runner, &fakeResolver{nodeID: "n1"}, &fakeConns{connected: true},
		nil, config.StreamConfig{}, logger.Default())
	c.readyPoll = time.Millisecond
	return c, streams
}

func listOutput(entries ...agentwire.FileEntry) string {
	out, _ := json.Marshal(agentwire.FileListResult{Entries: entries})
	return string(out)
}

func TestCreateSingleFileProbesSize(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		agentwire.CommandFileList: listOutput(agentwire.FileEntry{
			Name: "app.log", Path: "/var/logs/app.log", SizeBytes: 4096,
		}),
	}}
	c, _ := newTestCoordinator(t, runner)

	snap, err := c.Create(context.Background(), "n1", "fb1", []string{"app.log"}, nil, "alice")
	require.NoError(t, err)
	assert.False(t, snap.AsZip)
	assert.Equal(t, "app.log", snap.Filename)

	require.Eventually(t, func() bool {
		s, err := c.Status(snap.ID)
		return err == nil && s.Status == StatusReady
	}, time.Second, time.Millisecond)

	s, err := c.Status(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), s.TotalBytes)
}

func TestCreateMultiplePathsForcesZip(t *testing.T) {
	zipResult, _ := json.Marshal(agentwire.FileZipResult{
		TotalBytes: 2048, TempFilePath: "/tmp/bundle.zip",
	})
	runner := &fakeRunner{outputs: map[string]string{
		agentwire.CommandFileZip: string(zipResult),
	}}
	c, _ := newTestCoordinator(t, runner)

	snap, err := c.Create(context.Background(), "n1", "fb1", []string{"a.log", "b.log"}, nil, "alice")
	require.NoError(t, err)
	assert.True(t, snap.AsZip)

	require.Eventually(t, func() bool {
		s, _ := c.Status(snap.ID)
		return s.Status == StatusReady
	}, time.Second, time.Millisecond)

	s, _ := c.Status(snap.ID)
	assert.Equal(t, int64(2048), s.TotalBytes)
}

func TestOpenStreamSingleConsumer(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{}}
	c, _ := newTestCoordinator(t, runner)

	snap, err := c.Create(context.Background(), "n1", "fb1", []string{"app.log"}, nil, "alice")
	require.NoError(t, err)

	as, err := c.OpenStream(context.Background(), snap.ID, "")
	require.NoError(t, err)
	require.NotNil(t, as)

	_, err = c.OpenStream(context.Background(), snap.ID, "")
	assert.ErrorIs(t, err, ErrStreamInProgress)
}

func TestOpenStreamResumeRange(t *testing.T) {
	const total = int64(10 * 1024 * 1024)
	runner := &fakeRunner{outputs: map[string]string{
		agentwire.CommandFileList: listOutput(agentwire.FileEntry{
			Name: "big.bin", Path: "/var/logs/big.bin", SizeBytes: total,
		}),
	}}
	c, _ := newTestCoordinator(t, runner)

	snap, err := c.Create(context.Background(), "n1", "fb1", []string{"big.bin"}, nil, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := c.Status(snap.ID)
		return s.Status == StatusReady
	}, time.Second, time.Millisecond)

	as, err := c.OpenStream(context.Background(), snap.ID, "bytes=1048576-")
	require.NoError(t, err)
	assert.Equal(t, 206, as.StatusCode)
	assert.Equal(t, "bytes 1048576-10485759/10485760", as.ContentRange)
	assert.Equal(t, int64(9437184), as.ContentLength)

	var req agentwire.FileStreamRequest
	require.NoError(t, json.Unmarshal(runner.payloads[len(runner.payloads)-1], &req))
	assert.Equal(t, int64(1048576), req.StartOffset)
	assert.Equal(t, total, req.EndOffset)
}

func TestOpenStreamDisconnectedAgent(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{}}
	streams := stream.NewRegistry(4)
	c := NewCoordinator(streams, runner, &fakeResolver{nodeID: "n1"}, &fakeConns{connected: false},
		nil, config.StreamConfig{}, logger.Default())
	c.readyPoll = time.Millisecond

	snap, err := c.Create(context.Background(), "n1", "fb1", []string{"app.log"}, nil, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := c.Status(snap.ID)
		return s.Status == StatusReady
	}, time.Second, time.Millisecond)

	_, err = c.OpenStream(context.Background(), snap.ID, "")
	assert.ErrorIs(t, err, ErrAgentDisconnected)
}

func TestRunStreamsChunksToCompletion(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		agentwire.CommandFileList: listOutput(agentwire.FileEntry{
			Name: "app.log", Path: "/var/logs/app.log", SizeBytes: 8,
		}),
	}}
	c, streams := newTestCoordinator(t, runner)

	snap, err := c.Create(context.Background(), "n1", "fb1", []string{"app.log"}, nil, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := c.Status(snap.ID)
		return s.Status == StatusReady
	}, time.Second, time.Millisecond)

	as, err := c.OpenStream(context.Background(), snap.ID, "")
	require.NoError(t, err)

	go func() {
		_ = streams.Deliver(snap.ID, 0, []byte("hell"))
		_ = streams.Deliver(snap.ID, 1, []byte("o go"))
		_ = streams.End(snap.ID, "")
	}()

	var buf bytes.Buffer
	require.NoError(t, as.Run(context.Background(), &buf))
	assert.Equal(t, "hello go", buf.String())

	s, _ := c.Status(snap.ID)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, int64(8), s.TransferredBytes)
}

func TestRunFailsOnShortTransfer(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		agentwire.CommandFileList: listOutput(agentwire.FileEntry{
			Name: "app.log", Path: "/var/logs/app.log", SizeBytes: 100,
		}),
	}}
	c, streams := newTestCoordinator(t, runner)

	snap, err := c.Create(context.Background(), "n1", "fb1", []string{"app.log"}, nil, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := c.Status(snap.ID)
		return s.Status == StatusReady
	}, time.Second, time.Millisecond)

	as, err := c.OpenStream(context.Background(), snap.ID, "")
	require.NoError(t, err)

	go func() {
		_ = streams.Deliver(snap.ID, 0, []byte("only a little"))
		_ = streams.End(snap.ID, "")
	}()

	var buf bytes.Buffer
	err = as.Run(context.Background(), &buf)
	assert.ErrorIs(t, err, ErrIncompleteTransfer)

	s, _ := c.Status(snap.ID)
	assert.Equal(t, StatusFailed, s.Status)
}

func TestCancelSendsAtMostOneCancelAndStopsWrites(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		agentwire.CommandFileList: listOutput(agentwire.FileEntry{
			Name: "app.log", Path: "/var/logs/app.log", SizeBytes: 1 << 20,
		}),
	}}
	c, streams := newTestCoordinator(t, runner)

	snap, err := c.Create(context.Background(), "n1", "fb1", []string{"app.log"}, nil, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := c.Status(snap.ID)
		return s.Status == StatusReady
	}, time.Second, time.Millisecond)

	as, err := c.OpenStream(context.Background(), snap.ID, "")
	require.NoError(t, err)

	var buf lockedBuffer
	done := make(chan error, 1)
	go func() { done <- as.Run(context.Background(), &buf) }()

	require.NoError(t, streams.Deliver(snap.ID, 0, []byte("chunk")))
	require.Eventually(t, func() bool { return buf.Len() == 5 }, time.Second, time.Millisecond)

	require.NoError(t, c.Cancel(context.Background(), snap.ID))
	require.NoError(t, c.Cancel(context.Background(), snap.ID)) // idempotent

	select {
	case err := <-done:
		assert.ErrorIs(t, err, stream.ErrStreamCancelled)
	case <-time.After(time.Second):
		t.Fatal("stream loop did not observe cancellation")
	}

	assert.Equal(t, 1, runner.cancelCount())
	assert.Equal(t, 5, buf.Len())

	s, _ := c.Status(snap.ID)
	assert.Equal(t, StatusCancelled, s.Status)
}

func TestStatusUnknownDownload(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{}}
	c, _ := newTestCoordinator(t, runner)
	_, err := c.Status("ghost")
	assert.ErrorIs(t, err, ErrDownloadNotFound)
}

// lockedBuffer is a goroutine-safe bytes.Buffer for the cancel test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
