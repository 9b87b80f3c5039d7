// Package main implements a mock ManLab agent that connects to the server's
// agent WebSocket channel and answers every command type with simulated
// results. It serves a small fake filesystem, so remote tools, downloads,
// and update flows can be exercised without a real node.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manlab/manlab/pkg/agentwire"
)

const (
	writeWait         = 10 * time.Second
	heartbeatInterval = 15 * time.Second
	telemetryInterval = 60 * time.Second
	reconnectDelay    = 3 * time.Second
)

func main() {
	var (
		serverURL = flag.String("server", "ws://localhost:8080/ws/agent", "agent WebSocket endpoint")
		token     = flag.String("token", "", "enrollment or auth token (required)")
		hostname  = flag.String("hostname", defaultHostname(), "hostname to report")
		osName    = flag.String("os", "linux", "operating system to report")
		version   = flag.String("version", "1.0.0", "agent version to report")
	)
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "mock-agent: -token is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	agent := &Agent{
		serverURL: *serverURL,
		token:     *token,
		hostname:  *hostname,
		os:        *osName,
		version:   *version,
		fs:        newFakeFS(),
		started:   time.Now(),
	}

	for {
		if err := agent.runOnce(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "mock-agent: connection lost: %v\n", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func defaultHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return fmt.Sprintf("mock-%d", os.Getpid())
}

// Agent holds one mock agent's identity and connection state.
type Agent struct {
	serverURL string
	token     string
	hostname  string
	os        string
	version   string
	fs        *fakeFS
	started   time.Time

	nodeID string

	writeMu sync.Mutex
	conn    *websocket.Conn

	// seen deduplicates replayed commands across a single connection.
	seenMu sync.Mutex
	seen   map[string]bool

	// tasks tracks cancellable long-running work by command and stream id.
	tasksMu sync.Mutex
	tasks   map[string]context.CancelFunc
}

// runOnce dials the server, enrolls, and serves the connection until it
// drops or the context is cancelled.
func (a *Agent) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.serverURL, err)
	}
	defer conn.Close()
	a.conn = conn
	a.seen = map[string]bool{}

	if err := a.enroll(ctx); err != nil {
		return fmt.Errorf("enroll: %w", err)
	}
	fmt.Fprintf(os.Stderr, "mock-agent: connected as node %s\n", a.nodeID)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	go a.heartbeatLoop(connCtx)

	conn.SetPingHandler(func(appData string) error {
		a.writeMu.Lock()
		defer a.writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	for {
		var msg agentwire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		a.handle(connCtx, &msg)
	}
}

func (a *Agent) enroll(ctx context.Context) error {
	frame, err := agentwire.NewRequest("enroll-1", agentwire.ActionAgentEnroll, agentwire.EnrollPayload{
		AuthToken:    a.token,
		Hostname:     a.hostname,
		OS:           a.os,
		AgentVersion: a.version,
	})
	if err != nil {
		return err
	}
	if err := a.send(frame); err != nil {
		return err
	}

	var ack agentwire.Message
	if err := a.conn.ReadJSON(&ack); err != nil {
		return err
	}
	if ack.Type == agentwire.MessageTypeError {
		var ep agentwire.ErrorPayload
		_ = ack.ParsePayload(&ep)
		return fmt.Errorf("server rejected enrollment: %s %s", ep.Code, ep.Message)
	}
	var body struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.Unmarshal(ack.Payload, &body); err != nil {
		return fmt.Errorf("bad enrollment ack: %w", err)
	}
	a.nodeID = body.NodeID
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	hb := time.NewTicker(heartbeatInterval)
	tm := time.NewTicker(telemetryInterval)
	defer hb.Stop()
	defer tm.Stop()

	a.sendHeartbeat()
	a.sendTelemetry()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			a.sendHeartbeat()
		case <-tm.C:
			a.sendTelemetry()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	frame, err := agentwire.NewNotification(agentwire.ActionAgentHeartbeat, agentwire.HeartbeatPayload{
		LastSeen: time.Now().UTC(),
		CPUPct:   jitter(20, 15),
		MemPct:   jitter(45, 10),
		DiskPct:  jitter(60, 3),
	})
	if err != nil {
		return
	}
	_ = a.send(frame)
}

func (a *Agent) sendTelemetry() {
	frame, err := agentwire.NewNotification(agentwire.ActionAgentTelemetry, agentwire.TelemetryPayload{
		Hostname:     a.hostname,
		OS:           a.os,
		AgentVersion: a.version,
		CPUPct:       jitter(20, 15),
		MemPct:       jitter(45, 10),
		DiskPct:      jitter(60, 3),
		UptimeSec:    int64(time.Since(a.started).Seconds()),
	})
	if err != nil {
		return
	}
	_ = a.send(frame)
}

// send serializes one frame onto the connection. Safe for concurrent use.
func (a *Agent) send(msg *agentwire.Message) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteJSON(msg)
}

// handle routes one server frame.
func (a *Agent) handle(ctx context.Context, msg *agentwire.Message) {
	switch msg.Action {
	case agentwire.ActionCommandExecute:
		var cmd agentwire.ExecuteCommandPayload
		if err := msg.ParsePayload(&cmd); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: bad execute payload: %v\n", err)
			return
		}
		if a.alreadySeen(cmd.CommandID) {
			return
		}
		go a.execute(ctx, &cmd)
	case agentwire.ActionCommandReplay:
		// Informational; the server resends each command right after.
	default:
		fmt.Fprintf(os.Stderr, "mock-agent: ignoring action %q\n", msg.Action)
	}
}

func (a *Agent) alreadySeen(commandID string) bool {
	a.seenMu.Lock()
	defer a.seenMu.Unlock()
	if a.seen[commandID] {
		return true
	}
	a.seen[commandID] = true
	return false
}

// jitter returns base +/- spread, clamped to [0, 100].
func jitter(base, spread float64) float64 {
	v := base + (float64(time.Now().UnixNano()%1000)/1000.0-0.5)*2*spread
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
