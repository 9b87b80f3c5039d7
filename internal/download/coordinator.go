package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/command"
	cmdmodels "github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/common/config"
	"github.com/manlab/manlab/internal/common/constants"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/events"
	"github.com/manlab/manlab/internal/events/bus"
	sessmodels "github.com/manlab/manlab/internal/session/models"
	"github.com/manlab/manlab/internal/stream"
	"github.com/manlab/manlab/pkg/agentwire"
)

var (
	ErrDownloadNotFound = errors.New("download not found")
	// ErrStreamInProgress guards the one-consumer-per-download invariant.
	ErrStreamInProgress   = errors.New("download is already being streamed")
	ErrAgentDisconnected  = errors.New("agent is not connected")
	ErrDownloadTerminal   = errors.New("download already finished")
	ErrZipNeverReady      = errors.New("timed out waiting for the zip to be prepared")
	ErrNoPaths            = errors.New("at least one path is required")
	ErrAgentSilent        = errors.New("agent sent no data before the first-chunk deadline")
	ErrIncompleteTransfer = errors.New("stream ended before the full range was transferred")
)

// CommandRunner is the slice of the command service the coordinator uses.
type CommandRunner interface {
	Run(ctx context.Context, nodeID, commandType string, payload interface{}, deadline command.WaitOption) (*cmdmodels.Command, error)
	Enqueue(ctx context.Context, nodeID, commandType string, payload json.RawMessage) (*cmdmodels.Command, error)
	Cancel(ctx context.Context, nodeID, targetCommandID string) (*cmdmodels.Command, error)
}

// PathResolver validates a file-browser session path. Satisfied by
// tools.FileBrowser.
type PathResolver interface {
	ResolvePath(sessionID, raw string) (*sessmodels.Session, string, error)
}

// ConnStatus reports agent connectivity. Satisfied by registry.Registry.
type ConnStatus interface {
	IsConnected(nodeID string) bool
}

// Coordinator owns download sessions and drives their lifecycle from create
// through prepare, stream, and completion.
type Coordinator struct {
	streams  *stream.Registry
	commands CommandRunner
	resolver PathResolver
	conns    ConnStatus
	events   bus.EventBus
	cfg      config.StreamConfig
	logger   *logger.Logger

	mu        sync.Mutex
	downloads map[string]*session

	// readyPoll is overridable for tests.
	readyPoll time.Duration
}

// NewCoordinator creates a download coordinator.
func NewCoordinator(streams *stream.Registry, commands CommandRunner, resolver PathResolver, conns ConnStatus, eventBus bus.EventBus, cfg config.StreamConfig, log *logger.Logger) *Coordinator {
	return &Coordinator{
		streams:   streams,
		commands:  commands,
		resolver:  resolver,
		conns:     conns,
		events:    eventBus,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "download")),
		downloads: make(map[string]*session),
		readyPoll: constants.ZipReadyPollInterval,
	}
}

// Create validates paths against the file-browser session, allocates the
// download, and kicks off the async prepare step (zip assembly or size
// probe). Zip is automatic for multi-path downloads.
func (c *Coordinator) Create(ctx context.Context, nodeID, browserSessionID string, rawPaths []string, asZip *bool, requester string) (Snapshot, error) {
	if len(rawPaths) == 0 {
		return Snapshot{}, ErrNoPaths
	}
	normalized := make([]string, 0, len(rawPaths))
	for _, raw := range rawPaths {
		browserSession, resolved, err := c.resolver.ResolvePath(browserSessionID, raw)
		if err != nil {
			return Snapshot{}, err
		}
		if browserSession.NodeID != nodeID {
			return Snapshot{}, fmt.Errorf("session does not belong to node %s", nodeID)
		}
		normalized = append(normalized, resolved)
	}

	zip := len(normalized) > 1
	if asZip != nil {
		zip = *asZip || zip
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	d := &session{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		BrowserID: browserSessionID,
		Paths:     normalized,
		AsZip:     zip,
		Status:    StatusPreparing,
		Requester: requester,
		CreatedAt: time.Now().UTC(),
		ctx:       rootCtx,
		cancel:    cancel,
	}
	if zip {
		d.Filename = sanitizeFilename(fmt.Sprintf("manlab-%s.zip", d.ID[:8]))
	} else {
		d.Filename = sanitizeFilename(path.Base(normalized[0]))
	}

	c.mu.Lock()
	c.downloads[d.ID] = d
	c.mu.Unlock()

	if zip {
		go c.prepareZip(d)
	} else {
		go c.prepareSingle(d)
	}
	return d.snapshot(), nil
}

// Status returns the current snapshot of a download.
func (c *Coordinator) Status(id string) (Snapshot, error) {
	d, ok := c.get(id)
	if !ok {
		return Snapshot{}, ErrDownloadNotFound
	}
	return d.snapshot(), nil
}

// Cancel trips the download's cancellation scope and notifies the agent at
// most once. Safe to call in any state.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	d, ok := c.get(id)
	if !ok {
		return ErrDownloadNotFound
	}

	d.mu.Lock()
	alreadyTerminal := d.Status.IsTerminal()
	if !alreadyTerminal {
		d.Status = StatusCancelled
		d.CompletedAt = time.Now().UTC()
	}
	sendCancel := !d.cancelSent && !alreadyTerminal && c.conns.IsConnected(d.NodeID)
	if sendCancel {
		d.cancelSent = true
	}
	nodeID := d.NodeID
	d.mu.Unlock()

	d.cancel()
	c.streams.Close(id)

	if sendCancel {
		if _, err := c.commands.Cancel(ctx, nodeID, id); err != nil {
			c.logger.Warn("failed to send command.cancel",
				zap.String("download_id", id), zap.Error(err))
		}
	}
	return nil
}

// prepareZip asks the agent to assemble the archive and records the
// resulting size and temp path. Runs under the download's own scope; the
// HTTP create request has long since returned.
func (c *Coordinator) prepareZip(d *session) {
	cmd, err := c.commands.Run(d.ctx, d.NodeID, agentwire.CommandFileZip, agentwire.FileZipRequest{
		DownloadID:           d.ID,
		Paths:                d.Paths,
		MaxUncompressedBytes: c.cfg.MaxZipBytes,
		MaxFileCount:         c.cfg.MaxZipFileCount,
	}, command.WaitOption{Explicit: c.zipReadyTimeout()})
	if err != nil {
		c.fail(d, fmt.Sprintf("zip preparation failed: %v", err))
		return
	}
	var result agentwire.FileZipResult
	if err := json.Unmarshal([]byte(cmd.OutputLog), &result); err != nil {
		c.fail(d, "agent returned malformed zip result")
		return
	}

	d.mu.Lock()
	if d.Status == StatusPreparing {
		d.TotalBytes = result.TotalBytes
		d.TempFilePath = result.TempFilePath
		d.Status = StatusReady
	}
	d.mu.Unlock()
}

// prepareSingle probes the file size via a directory listing of the parent
// so the stream can set Content-Length and honor ranges. The probe is
// best-effort: an unknown size only loses the Content-Length header.
func (c *Coordinator) prepareSingle(d *session) {
	target := d.Paths[0]
	parent := path.Dir(target)

	cmd, err := c.commands.Run(d.ctx, d.NodeID, agentwire.CommandFileList, agentwire.FileListRequest{
		Path: parent,
	}, command.WaitOption{})
	if err == nil {
		var result agentwire.FileListResult
		if jsonErr := json.Unmarshal([]byte(cmd.OutputLog), &result); jsonErr == nil {
			for _, entry := range result.Entries {
				if entry.Path == target && !entry.IsDir {
					d.mu.Lock()
					d.TotalBytes = entry.SizeBytes
					d.mu.Unlock()
					break
				}
			}
		}
	} else {
		c.logger.Debug("size probe failed, streaming without Content-Length",
			zap.String("download_id", d.ID), zap.Error(err))
	}

	d.mu.Lock()
	if d.Status == StatusPreparing {
		d.Status = StatusReady
	}
	d.mu.Unlock()
}

func (c *Coordinator) get(id string) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.downloads[id]
	return d, ok
}

func (c *Coordinator) fail(d *session, msg string) {
	d.mu.Lock()
	if !d.Status.IsTerminal() {
		d.Status = StatusFailed
		d.Error = msg
		d.CompletedAt = time.Now().UTC()
	}
	d.mu.Unlock()
	c.logger.Warn("download failed",
		zap.String("download_id", d.ID), zap.String("reason", msg))
}

func (c *Coordinator) zipReadyTimeout() time.Duration {
	if c.cfg.ZipReadyHours > 0 {
		return time.Duration(c.cfg.ZipReadyHours) * time.Hour
	}
	return constants.ZipReadyTimeout
}

func (c *Coordinator) firstChunkTimeout() time.Duration {
	if c.cfg.FirstChunkSeconds > 0 {
		return time.Duration(c.cfg.FirstChunkSeconds) * time.Second
	}
	return constants.FirstChunkTimeout
}

func (c *Coordinator) overallTimeout() time.Duration {
	if c.cfg.OverallMinutes > 0 {
		return time.Duration(c.cfg.OverallMinutes) * time.Minute
	}
	return constants.StreamOverallTimeout
}

func (c *Coordinator) progressEvery() int64 {
	if c.cfg.ProgressEveryBytes > 0 {
		return c.cfg.ProgressEveryBytes
	}
	return 5 * 1024 * 1024
}

func (c *Coordinator) chunkSize() int {
	if c.cfg.ChunkSizeBytes > 0 {
		return c.cfg.ChunkSizeBytes
	}
	return 1024 * 1024
}

// ActiveStream is one granted /stream call: resolved headers plus the
// running copy loop.
type ActiveStream struct {
	Snapshot      Snapshot
	StatusCode    int // 200 or 206
	ContentLength int64 // -1 when unknown
	ContentRange  string
	Filename      string
	ContentType   string

	coord    *Coordinator
	download *session
	session  *stream.Session
	want     int64 // expected bytes, -1 when unknown
}

// OpenStream grants the single streaming consumer for a download: waits for
// the prepare step, resolves the Range header, allocates the chunk channel,
// and fires the file.stream command. The caller must finish with Run.
func (c *Coordinator) OpenStream(ctx context.Context, id, rangeHeader string) (*ActiveStream, error) {
	d, ok := c.get(id)
	if !ok {
		return nil, ErrDownloadNotFound
	}

	d.mu.Lock()
	if d.Status.IsTerminal() {
		d.mu.Unlock()
		return nil, ErrDownloadTerminal
	}
	if d.streaming {
		d.mu.Unlock()
		return nil, ErrStreamInProgress
	}
	d.streaming = true
	d.mu.Unlock()

	as, err := c.openStreamLocked(ctx, d, rangeHeader)
	if err != nil {
		d.mu.Lock()
		d.streaming = false
		d.mu.Unlock()
		return nil, err
	}
	return as, nil
}

func (c *Coordinator) openStreamLocked(ctx context.Context, d *session, rangeHeader string) (*ActiveStream, error) {
	if err := c.waitReady(ctx, d); err != nil {
		return nil, err
	}
	if !c.conns.IsConnected(d.NodeID) {
		return nil, ErrAgentDisconnected
	}

	snap := d.snapshot()
	rng, partial := parseRange(rangeHeader, snap.TotalBytes)

	var startOffset, endOffset, want int64
	want = -1
	if partial {
		startOffset, endOffset = rng.Start, rng.End
		want = endOffset - startOffset
	} else if snap.TotalBytes > 0 {
		endOffset = snap.TotalBytes
		want = snap.TotalBytes
	}

	streamSession, err := c.streams.Open(d.ctx, d.ID)
	if err != nil {
		return nil, ErrStreamInProgress
	}

	// The zip is streamed from the agent's temp file; single files straight
	// from the source path.
	sourcePath := d.Paths[0]
	if snap.AsZip {
		d.mu.Lock()
		sourcePath = d.TempFilePath
		d.mu.Unlock()
	}

	payload, err := json.Marshal(agentwire.FileStreamRequest{
		StreamID:    d.ID,
		Path:        sourcePath,
		StartOffset: startOffset,
		EndOffset:   endOffset,
		ChunkSize:   c.chunkSize(),
	})
	if err != nil {
		c.streams.Close(d.ID)
		return nil, err
	}
	if _, err := c.commands.Enqueue(ctx, d.NodeID, agentwire.CommandFileStream, payload); err != nil {
		c.streams.Close(d.ID)
		return nil, err
	}

	d.mu.Lock()
	d.Status = StatusDownloading
	d.TransferredBytes = 0
	d.mu.Unlock()

	as := &ActiveStream{
		Snapshot:      snap,
		StatusCode:    200,
		ContentLength: want,
		Filename:      snap.Filename,
		ContentType:   "application/octet-stream",
		coord:         c,
		download:      d,
		session:       streamSession,
		want:          want,
	}
	if snap.AsZip {
		as.ContentType = "application/zip"
	}
	if partial {
		as.StatusCode = 206
		as.ContentRange = fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End-1, snap.TotalBytes)
	}
	return as, nil
}

// waitReady polls until the prepare step finishes. Zip assembly can take a
// long time; the poll is cheap and the deadline generous.
func (c *Coordinator) waitReady(ctx context.Context, d *session) error {
	deadline := time.NewTimer(c.zipReadyTimeout())
	defer deadline.Stop()
	ticker := time.NewTicker(c.readyPoll)
	defer ticker.Stop()

	for {
		d.mu.Lock()
		status, errMsg := d.Status, d.Error
		d.mu.Unlock()

		switch status {
		case StatusReady:
			return nil
		case StatusFailed:
			return errors.New(errMsg)
		case StatusCancelled:
			return stream.ErrStreamCancelled
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.ctx.Done():
			return stream.ErrStreamCancelled
		case <-deadline.C:
			return ErrZipNeverReady
		case <-ticker.C:
		}
	}
}

// Run copies chunks into w until end-of-stream, enforcing the first-chunk
// deadline and the overall stream timeout, and throttling progress events.
// After cancellation no further bytes are written.
func (a *ActiveStream) Run(ctx context.Context, w io.Writer) error {
	c, d := a.coord, a.download
	defer func() {
		c.streams.Close(d.ID)
		d.mu.Lock()
		d.streaming = false
		d.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.overallTimeout())
	defer cancel()

	timeout := c.firstChunkTimeout()
	var transferred, lastProgress int64
	for {
		chunk, err := a.session.Next(ctx, timeout)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return a.finish(transferred)
			case errors.Is(err, stream.ErrChunkTimeout):
				if transferred == 0 {
					c.fail(d, ErrAgentSilent.Error())
					return ErrAgentSilent
				}
				c.fail(d, err.Error())
				return err
			case errors.Is(err, stream.ErrStreamCancelled):
				return err
			default:
				c.fail(d, err.Error())
				return err
			}
		}
		timeout = c.firstChunkTimeout()

		if _, err := w.Write(chunk.Data); err != nil {
			// Client went away: cancel the whole download scope.
			_ = c.Cancel(context.Background(), d.ID)
			return err
		}
		transferred += int64(len(chunk.Data))

		d.mu.Lock()
		d.TransferredBytes = transferred
		d.mu.Unlock()

		if transferred-lastProgress >= c.progressEvery() {
			lastProgress = transferred
			c.publishProgress(d, transferred)
		}
	}
}

func (a *ActiveStream) finish(transferred int64) error {
	c, d := a.coord, a.download
	if a.want >= 0 && transferred != a.want {
		c.fail(d, fmt.Sprintf("%v: got %d of %d bytes", ErrIncompleteTransfer, transferred, a.want))
		return ErrIncompleteTransfer
	}
	d.mu.Lock()
	d.Status = StatusCompleted
	d.TransferredBytes = transferred
	d.CompletedAt = time.Now().UTC()
	d.mu.Unlock()

	c.publishProgress(d, transferred)
	if c.events != nil {
		event := bus.NewEvent(events.DownloadCompleted, "download", map[string]interface{}{
			"download_id": d.ID,
			"node_id":     d.NodeID,
			"bytes":       transferred,
		})
		_ = c.events.Publish(context.Background(), events.DownloadCompleted, event)
	}
	return nil
}

func (c *Coordinator) publishProgress(d *session, transferred int64) {
	if c.events == nil {
		return
	}
	d.mu.Lock()
	total := d.TotalBytes
	d.mu.Unlock()
	event := bus.NewEvent(events.DownloadProgress, "download", map[string]interface{}{
		"download_id": d.ID,
		"node_id":     d.NodeID,
		"transferred": transferred,
		"total":       total,
	})
	_ = c.events.Publish(context.Background(), events.DownloadProgress, event)
}
