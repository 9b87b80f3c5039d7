// Package command wires the durable queue to the live agent channel:
// best-effort dispatch on enqueue, replay on reconnect, and the polling
// waiter that turns async completions into synchronous HTTP replies.
package command

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/command/store"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/node/registry"
	"github.com/manlab/manlab/pkg/agentwire"
)

// sweepInterval is how often the dispatcher re-checks for queued commands
// whose node is connected but which missed their immediate dispatch.
const sweepInterval = 5 * time.Second

// Dispatcher moves commands from queued to sent by pushing ExecuteCommand
// frames to the currently-bound connection. Sends are best-effort: a failed
// send leaves the command queued for the reconnect replay or the next sweep.
type Dispatcher struct {
	store    store.Store
	registry *registry.Registry
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(st store.Store, reg *registry.Registry, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "dispatcher")),
	}
}

// Dispatch sends a single command to its node's bound connection, if any,
// and marks it sent on success. Returns true when the frame was handed to
// the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *models.Command) bool {
	conn, ok := d.registry.Get(cmd.NodeID)
	if !ok {
		return false
	}
	if !d.send(ctx, conn, cmd) {
		return false
	}
	if _, err := d.store.MarkSent(ctx, cmd.ID); err != nil {
		d.logger.Warn("failed to mark command sent",
			zap.String("command_id", cmd.ID), zap.Error(err))
	}
	return true
}

// ReplayForNode re-dispatches every queued or sent command for a node over a
// fresh connection. Called by the hub right after a successful bind. The
// agent deduplicates on command id, so resending sent commands is safe.
func (d *Dispatcher) ReplayForNode(ctx context.Context, nodeID string, conn registry.Conn) {
	pending, err := d.store.ListPending(ctx, nodeID)
	if err != nil {
		d.logger.Error("failed to list pending commands for replay",
			zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	ids := make([]string, len(pending))
	for i, cmd := range pending {
		ids[i] = cmd.ID
	}
	replay, err := agentwire.NewNotification(agentwire.ActionCommandReplay, agentwire.ReplayPendingPayload{CommandIDs: ids})
	if err != nil {
		d.logger.Error("failed to build replay message", zap.Error(err))
		return
	}
	if err := conn.Send(ctx, replay); err != nil {
		d.logger.Warn("failed to announce replay", zap.String("node_id", nodeID), zap.Error(err))
		return
	}

	for _, cmd := range pending {
		if !d.send(ctx, conn, cmd) {
			return
		}
		if cmd.Status == models.StatusQueued {
			if _, err := d.store.MarkSent(ctx, cmd.ID); err != nil {
				d.logger.Warn("failed to mark replayed command sent",
					zap.String("command_id", cmd.ID), zap.Error(err))
			}
		}
	}
	d.logger.Info("replayed pending commands",
		zap.String("node_id", nodeID), zap.Int("count", len(pending)))
}

// Start launches the background sweep that picks up queued commands for
// connected nodes. It covers the window between a send failure and the next
// reconnect.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go d.sweepLoop()
}

// Stop halts the sweep loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

// sweep dispatches queued commands whose target node is in the connected
// snapshot. The snapshot may be up to its TTL stale; a missed node is caught
// on the next tick.
func (d *Dispatcher) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepInterval)
	defer cancel()

	connected := d.registry.SnapshotConnectedNodes()
	if len(connected) == 0 {
		return
	}
	queued, err := d.store.ListUndispatchedForConnected(ctx, connected)
	if err != nil {
		d.logger.Error("dispatch sweep query failed", zap.Error(err))
		return
	}
	for _, cmd := range queued {
		d.Dispatch(ctx, cmd)
	}
}

func (d *Dispatcher) send(ctx context.Context, conn registry.Conn, cmd *models.Command) bool {
	msg, err := agentwire.NewNotification(agentwire.ActionCommandExecute, agentwire.ExecuteCommandPayload{
		CommandID: cmd.ID,
		Type:      cmd.Type,
		Payload:   cmd.Payload,
	})
	if err != nil {
		d.logger.Error("failed to build execute message",
			zap.String("command_id", cmd.ID), zap.Error(err))
		return false
	}
	if err := conn.Send(ctx, msg); err != nil {
		d.logger.Debug("command send failed, leaving queued",
			zap.String("command_id", cmd.ID),
			zap.String("node_id", cmd.NodeID),
			zap.Error(err))
		return false
	}
	return true
}
