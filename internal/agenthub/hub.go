// Package agenthub terminates agent WebSocket connections: enrollment-first
// authentication, frame routing into the node, command, and stream layers,
// and replay of queued work on reconnect.
package agenthub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/command"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/node/models"
	"github.com/manlab/manlab/internal/node/registry"
	nodesvc "github.com/manlab/manlab/internal/node/service"
	"github.com/manlab/manlab/internal/stream"
	"github.com/manlab/manlab/pkg/agentwire"
)

const (
	// Time allowed to write a message to the agent
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the agent
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// The first frame must be an enrollment within this window
	enrollWait = 10 * time.Second

	// Stream chunks travel base64-encoded inside JSON frames, so the limit
	// sits well above the raw chunk size.
	maxMessageSize = 4 * 1024 * 1024
)

// Hub accepts agent connections and routes their frames.
type Hub struct {
	nodes      *nodesvc.Service
	commands   *command.Service
	dispatcher *command.Dispatcher
	registry   *registry.Registry
	streams    *stream.Registry
	upgrader   websocket.Upgrader
	logger     *logger.Logger
}

// New creates an agent hub.
func New(nodes *nodesvc.Service, commands *command.Service, dispatcher *command.Dispatcher, reg *registry.Registry, streams *stream.Registry, log *logger.Logger) *Hub {
	return &Hub{
		nodes:      nodes,
		commands:   commands,
		dispatcher: dispatcher,
		registry:   reg,
		streams:    streams,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents authenticate by token, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "agenthub")),
	}
}

// HandleWS upgrades GET /ws/agent and serves the connection until it drops.
func (h *Hub) HandleWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.serve(ws, c.Request.RemoteAddr)
}

func (h *Hub) serve(ws *websocket.Conn, remoteAddr string) {
	defer ws.Close()
	ctx := context.Background()
	ws.SetReadLimit(maxMessageSize)

	node, enrollID, err := h.enroll(ctx, ws, remoteAddr)
	if err != nil {
		h.logger.Warn("enrollment failed",
			zap.String("remote_addr", remoteAddr), zap.Error(err))
		return
	}
	log := h.logger.WithNodeID(node.ID)

	conn := newAgentConn(ws)
	if prev := h.registry.Bind(node.ID, conn); prev != nil {
		if pc, ok := prev.(*agentConn); ok {
			pc.close()
		}
		log.Info("superseded previous agent connection")
	}
	defer func() {
		if _, removed := h.registry.RemoveByConnection(conn); removed {
			log.Info("agent disconnected")
		}
	}()

	ack, err := agentwire.NewResponse(enrollID, agentwire.ActionAgentEnroll, map[string]interface{}{
		"nodeId": node.ID,
	})
	if err != nil {
		return
	}
	if err := conn.Send(ctx, ack); err != nil {
		return
	}

	if err := h.nodes.HandleConnected(ctx, node.ID); err != nil {
		log.Error("failed to mark node connected", zap.Error(err))
	}
	h.dispatcher.ReplayForNode(ctx, node.ID, conn)

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go h.pingLoop(conn, stop, log)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		var msg agentwire.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// A peer that sends unparseable frames cannot be trusted to
			// stay in protocol. Drop the connection.
			log.Warn("malformed frame, closing connection", zap.Error(err))
			return
		}
		if err := h.route(ctx, node.ID, &msg); err != nil {
			log.Warn("protocol violation, closing connection",
				zap.String("action", msg.Action), zap.Error(err))
			return
		}
	}
}

// enroll reads the first frame, which must be agent.enroll, and resolves it
// to a node. Anything else, or a bad token, closes the connection.
func (h *Hub) enroll(ctx context.Context, ws *websocket.Conn, remoteAddr string) (node *models.Node, id string, err error) {
	_ = ws.SetReadDeadline(time.Now().Add(enrollWait))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, "", fmt.Errorf("reading enrollment frame: %w", err)
	}
	var msg agentwire.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, "", fmt.Errorf("malformed enrollment frame: %w", err)
	}
	if msg.Action != agentwire.ActionAgentEnroll {
		h.sendErrorFrame(ws, msg.ID, msg.Action, agentwire.ErrorCodeBadRequest, "enrollment required")
		return nil, "", fmt.Errorf("first frame was %q, want %q", msg.Action, agentwire.ActionAgentEnroll)
	}
	var payload agentwire.EnrollPayload
	if err := msg.ParsePayload(&payload); err != nil {
		h.sendErrorFrame(ws, msg.ID, msg.Action, agentwire.ErrorCodeBadRequest, "invalid enrollment payload")
		return nil, "", fmt.Errorf("invalid enrollment payload: %w", err)
	}
	n, err := h.nodes.Enroll(ctx, &payload, remoteAddr)
	if err != nil {
		code := agentwire.ErrorCodeInternalError
		if errors.Is(err, nodesvc.ErrAuthFailed) {
			code = agentwire.ErrorCodeUnauthorized
		}
		h.sendErrorFrame(ws, msg.ID, msg.Action, code, "enrollment rejected")
		return nil, "", err
	}
	return n, msg.ID, nil
}

// route dispatches one in-protocol frame. A non-nil error is a protocol
// violation and drops the connection; downstream failures are logged and
// absorbed.
func (h *Hub) route(ctx context.Context, nodeID string, msg *agentwire.Message) error {
	log := h.logger.WithNodeID(nodeID)
	switch msg.Action {
	case agentwire.ActionAgentHeartbeat:
		var hb agentwire.HeartbeatPayload
		if err := msg.ParsePayload(&hb); err != nil {
			return fmt.Errorf("invalid heartbeat payload: %w", err)
		}
		if err := h.nodes.Heartbeat(ctx, nodeID, &hb); err != nil {
			log.Error("heartbeat processing failed", zap.Error(err))
		}

	case agentwire.ActionAgentTelemetry:
		var t agentwire.TelemetryPayload
		if err := msg.ParsePayload(&t); err != nil {
			return fmt.Errorf("invalid telemetry payload: %w", err)
		}
		if err := h.nodes.Telemetry(ctx, nodeID, &t); err != nil {
			log.Error("telemetry processing failed", zap.Error(err))
		}

	case agentwire.ActionCommandResult:
		var res agentwire.CommandResultPayload
		if err := msg.ParsePayload(&res); err != nil {
			return fmt.Errorf("invalid command result payload: %w", err)
		}
		h.commands.HandleResult(ctx, nodeID, &res)

	case agentwire.ActionStreamChunk:
		var chunk agentwire.StreamChunkPayload
		if err := msg.ParsePayload(&chunk); err != nil {
			return fmt.Errorf("invalid stream chunk payload: %w", err)
		}
		// Deliver blocks while the consumer is behind; that stall is the
		// backpressure applied to this agent's read loop.
		if err := h.streams.Deliver(chunk.StreamID, chunk.Seq, chunk.Bytes); err != nil {
			log.Debug("dropped stream chunk",
				zap.String("stream_id", chunk.StreamID),
				zap.Int64("seq", chunk.Seq),
				zap.Error(err))
		}

	case agentwire.ActionStreamEnd:
		var end agentwire.StreamEndPayload
		if err := msg.ParsePayload(&end); err != nil {
			return fmt.Errorf("invalid stream end payload: %w", err)
		}
		if err := h.streams.End(end.StreamID, end.Error); err != nil {
			log.Debug("stream end for unknown stream",
				zap.String("stream_id", end.StreamID))
		}

	case agentwire.ActionAgentEnroll:
		// Agents occasionally re-enroll after transient errors. Harmless.
		log.Debug("ignoring duplicate enrollment frame")

	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
	return nil
}

func (h *Hub) pingLoop(conn *agentConn, stop <-chan struct{}, log *logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Hub) sendErrorFrame(ws *websocket.Conn, id, action, code, message string) {
	frame, err := agentwire.NewError(id, action, code, message, nil)
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteJSON(frame)
}
