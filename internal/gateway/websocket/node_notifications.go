package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/events"
	"github.com/manlab/manlab/internal/events/bus"
	ws "github.com/manlab/manlab/pkg/websocket"
)

// NodeEventBroadcaster forwards control-plane events to dashboard clients.
// Fleet-wide events go to every client; chatty per-node events only reach
// clients subscribed to that node.
type NodeEventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterNodeNotifications wires the event bus into the dashboard hub. The
// broadcaster unsubscribes itself when ctx is cancelled.
func RegisterNodeNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *NodeEventBroadcaster {
	b := &NodeEventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-node-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.NodeEnrolled, ws.ActionNodeEnrolled, false)
	b.subscribe(eventBus, events.NodeStatusChanged, ws.ActionNodeStatusChanged, false)
	b.subscribe(eventBus, events.NodeRemoved, ws.ActionNodeRemoved, false)
	b.subscribe(eventBus, events.PendingUpdateCreated, ws.ActionUpdatePending, false)
	b.subscribe(eventBus, events.SystemUpdateCreated, ws.ActionSystemUpdateFound, false)
	b.subscribe(eventBus, events.CommandCompleted, ws.ActionCommandCompleted, true)
	b.subscribe(eventBus, events.DownloadProgress, ws.ActionDownloadProgress, true)
	b.subscribe(eventBus, events.DownloadCompleted, ws.ActionDownloadCompleted, true)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close drops all bus subscriptions.
func (b *NodeEventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *NodeEventBroadcaster) subscribe(eventBus bus.EventBus, subject, action string, nodeScoped bool) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification",
				zap.String("action", action), zap.Error(err))
			return nil
		}
		if nodeScoped {
			if nodeID, _ := event.Data["node_id"].(string); nodeID != "" {
				b.hub.BroadcastToNode(nodeID, msg)
				return nil
			}
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
