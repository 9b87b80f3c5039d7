package agenthub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manlab/manlab/internal/command"
	cmdstore "github.com/manlab/manlab/internal/command/store"
	"github.com/manlab/manlab/internal/common/config"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/db"
	"github.com/manlab/manlab/internal/events/bus"
	nodemodels "github.com/manlab/manlab/internal/node/models"
	"github.com/manlab/manlab/internal/node/registry"
	nodesvc "github.com/manlab/manlab/internal/node/service"
	nodestore "github.com/manlab/manlab/internal/node/store"
	"github.com/manlab/manlab/internal/stream"
	"github.com/manlab/manlab/pkg/agentwire"
)

type harness struct {
	server   *httptest.Server
	nodes    *nodesvc.Service
	commands *command.Service
	registry *registry.Registry
	streams  *stream.Registry
	token    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "hub.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	nodeStore, err := nodestore.NewSQLStore(pool)
	require.NoError(t, err)
	commandStore, err := cmdstore.NewSQLStore(pool)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	nodes := nodesvc.NewService(nodeStore, eventBus, log)

	reg := registry.New()
	streams := stream.NewRegistry(4)
	dispatcher := command.NewDispatcher(commandStore, reg, log)
	waiter := command.NewWaiterWithInterval(commandStore, 5*time.Millisecond)
	commands := command.NewService(commandStore, dispatcher, waiter, eventBus, 0, log)

	hub := New(nodes, commands, dispatcher, reg, streams, log)
	router := gin.New()
	router.GET("/ws/agent", hub.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	_, token, err := nodes.CreateEnrollment(context.Background(), "test rack")
	require.NoError(t, err)

	return &harness{
		server:   server,
		nodes:    nodes,
		commands: commands,
		registry: reg,
		streams:  streams,
		token:    token,
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/agent"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, msg *agentwire.Message) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

func readFrame(t *testing.T, ws *websocket.Conn) *agentwire.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg agentwire.Message
	require.NoError(t, ws.ReadJSON(&msg))
	return &msg
}

// enrollAgent performs the enrollment handshake and returns the node id.
func enrollAgent(t *testing.T, h *harness, ws *websocket.Conn) string {
	t.Helper()
	frame, err := agentwire.NewRequest("enroll-1", agentwire.ActionAgentEnroll, agentwire.EnrollPayload{
		AuthToken:    h.token,
		Hostname:     "rack-7",
		OS:           "linux",
		AgentVersion: "1.4.0",
	})
	require.NoError(t, err)
	sendFrame(t, ws, frame)

	ack := readFrame(t, ws)
	require.Equal(t, agentwire.MessageTypeResponse, ack.Type)
	require.Equal(t, agentwire.ActionAgentEnroll, ack.Action)

	var body struct {
		NodeID string `json:"nodeId"`
	}
	require.NoError(t, json.Unmarshal(ack.Payload, &body))
	require.NotEmpty(t, body.NodeID)
	return body.NodeID
}

func TestEnrollAndHeartbeat(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	nodeID := enrollAgent(t, h, ws)

	assert.Eventually(t, func() bool {
		return h.registry.IsConnected(nodeID)
	}, time.Second, 5*time.Millisecond)

	hb, err := agentwire.NewNotification(agentwire.ActionAgentHeartbeat, agentwire.HeartbeatPayload{
		CPUPct: 12.5, MemPct: 40, DiskPct: 61,
	})
	require.NoError(t, err)
	sendFrame(t, ws, hb)

	assert.Eventually(t, func() bool {
		node, err := h.nodes.Get(context.Background(), nodeID)
		return err == nil && node.Status == nodemodels.StatusOnline && node.CPUPct == 12.5
	}, time.Second, 5*time.Millisecond)
}

func TestBadTokenRejected(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	frame, err := agentwire.NewRequest("enroll-1", agentwire.ActionAgentEnroll, agentwire.EnrollPayload{
		AuthToken: "not-a-real-token",
		Hostname:  "intruder",
	})
	require.NoError(t, err)
	sendFrame(t, ws, frame)

	reply := readFrame(t, ws)
	assert.Equal(t, agentwire.MessageTypeError, reply.Type)

	var errPayload agentwire.ErrorPayload
	require.NoError(t, reply.ParsePayload(&errPayload))
	assert.Equal(t, agentwire.ErrorCodeUnauthorized, errPayload.Code)

	// The server closes after rejecting.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestFirstFrameMustBeEnrollment(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	hb, err := agentwire.NewNotification(agentwire.ActionAgentHeartbeat, agentwire.HeartbeatPayload{})
	require.NoError(t, err)
	sendFrame(t, ws, hb)

	reply := readFrame(t, ws)
	assert.Equal(t, agentwire.MessageTypeError, reply.Type)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	enrollAgent(t, h, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestQueuedCommandsReplayOnConnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Enroll once to create the node, then drop the connection.
	ws := h.dial(t)
	nodeID := enrollAgent(t, h, ws)
	ws.Close()
	assert.Eventually(t, func() bool {
		return !h.registry.IsConnected(nodeID)
	}, time.Second, 5*time.Millisecond)

	payload, _ := json.Marshal(agentwire.LogReadRequest{Path: "/var/log/syslog"})
	queued, err := h.commands.Enqueue(ctx, nodeID, agentwire.CommandLogRead, payload)
	require.NoError(t, err)

	// Reconnect: the hub must replay the queued command.
	ws2 := h.dial(t)
	enrollAgent(t, h, ws2)

	replay := readFrame(t, ws2)
	require.Equal(t, agentwire.ActionCommandReplay, replay.Action)
	var announce agentwire.ReplayPendingPayload
	require.NoError(t, replay.ParsePayload(&announce))
	assert.Contains(t, announce.CommandIDs, queued.ID)

	exec := readFrame(t, ws2)
	require.Equal(t, agentwire.ActionCommandExecute, exec.Action)
	var work agentwire.ExecuteCommandPayload
	require.NoError(t, exec.ParsePayload(&work))
	assert.Equal(t, queued.ID, work.CommandID)
	assert.Equal(t, agentwire.CommandLogRead, work.Type)

	// Report completion and confirm the queue records it.
	result, err := agentwire.NewNotification(agentwire.ActionCommandResult, agentwire.CommandResultPayload{
		CommandID:  queued.ID,
		Status:     "success",
		OutputTail: `{"lines":["ok"]}`,
	})
	require.NoError(t, err)
	sendFrame(t, ws2, result)

	assert.Eventually(t, func() bool {
		cmd, err := h.commands.Get(ctx, queued.ID)
		return err == nil && cmd.Status.IsTerminal()
	}, time.Second, 5*time.Millisecond)
}

func TestStreamChunksReachConsumer(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	enrollAgent(t, h, ws)

	session, err := h.streams.Open(context.Background(), "dl-1")
	require.NoError(t, err)
	defer h.streams.Close("dl-1")

	chunk, err := agentwire.NewNotification(agentwire.ActionStreamChunk, agentwire.StreamChunkPayload{
		StreamID: "dl-1", Seq: 0, Bytes: []byte("payload bytes"),
	})
	require.NoError(t, err)
	sendFrame(t, ws, chunk)

	end, err := agentwire.NewNotification(agentwire.ActionStreamEnd, agentwire.StreamEndPayload{
		StreamID: "dl-1",
	})
	require.NoError(t, err)
	sendFrame(t, ws, end)

	got, err := session.Next(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload bytes"), got.Data)
}

func TestSupersededConnectionIsClosed(t *testing.T) {
	h := newHarness(t)

	ws1 := h.dial(t)
	nodeID := enrollAgent(t, h, ws1)

	ws2 := h.dial(t)
	second := enrollAgent(t, h, ws2)
	require.Equal(t, nodeID, second)

	// The first socket gets evicted by the second bind.
	require.NoError(t, ws1.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws1.ReadMessage()
	assert.Error(t, err)

	assert.True(t, h.registry.IsConnected(nodeID))
}
