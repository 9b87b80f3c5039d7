package agentwire

import (
	"encoding/json"
	"time"
)

// EnrollPayload is the first message an agent sends after connecting.
type EnrollPayload struct {
	AuthToken    string `json:"authToken"`
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	AgentVersion string `json:"agentVersion"`
}

// HeartbeatPayload carries periodic liveness and telemetry stats.
type HeartbeatPayload struct {
	LastSeen time.Time `json:"lastSeen"`
	CPUPct   float64   `json:"cpuPct"`
	MemPct   float64   `json:"memPct"`
	DiskPct  float64   `json:"diskPct"`
}

// TelemetryPayload is a fuller snapshot pushed on a slower cadence.
type TelemetryPayload struct {
	Hostname     string  `json:"hostname"`
	OS           string  `json:"os"`
	AgentVersion string  `json:"agentVersion"`
	CPUPct       float64 `json:"cpuPct"`
	MemPct       float64 `json:"memPct"`
	DiskPct      float64 `json:"diskPct"`
	UptimeSec    int64   `json:"uptimeSec"`
}

// ExecuteCommandPayload is the server->agent unit of work.
type ExecuteCommandPayload struct {
	CommandID string          `json:"commandId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// ReplayPendingPayload lists command ids the agent should re-request;
// the agent deduplicates on CommandID.
type ReplayPendingPayload struct {
	CommandIDs []string `json:"commandIds"`
}

// CommandResultPayload reports terminal command state from the agent.
type CommandResultPayload struct {
	CommandID  string `json:"commandId"`
	Status     string `json:"status"` // "success" | "failed"
	OutputTail string `json:"outputTail"`
}

// StreamChunkPayload carries one chunk of a byte stream. Bytes travel
// base64-encoded inside the JSON frame.
type StreamChunkPayload struct {
	StreamID string `json:"streamId"`
	Seq      int64  `json:"seq"`
	Bytes    []byte `json:"bytes"`
}

// StreamEndPayload terminates a byte stream, with an optional agent error.
type StreamEndPayload struct {
	StreamID string `json:"streamId"`
	Error    string `json:"error,omitempty"`
}

// CancelCommandPayload rides in an ExecuteCommand with type=command.cancel.
type CancelCommandPayload struct {
	TargetCommandID string `json:"targetCommandId"`
}

// FileListRequest is the payload for file.list commands.
type FileListRequest struct {
	Path       string `json:"path"`
	MaxEntries int    `json:"maxEntries,omitempty"`
}

// FileEntry is one directory entry in a file.list result.
type FileEntry struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	IsDir     bool      `json:"isDir"`
	SizeBytes int64     `json:"sizeBytes"`
	ModTime   time.Time `json:"modTime"`
}

// FileListResult is the current file.list response shape. Legacy agents
// reply with a bare JSON array of entries; callers must accept both.
type FileListResult struct {
	Entries   []FileEntry `json:"entries"`
	Truncated bool        `json:"truncated"`
}

// FileReadRequest is the payload for file.read commands.
type FileReadRequest struct {
	Path     string `json:"path"`
	MaxBytes int64  `json:"maxBytes,omitempty"`
}

// FileReadResult is the file.read response shape.
type FileReadResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// FileZipRequest asks the agent to assemble a zip on its side.
type FileZipRequest struct {
	DownloadID           string   `json:"downloadId"`
	Paths                []string `json:"paths"`
	MaxUncompressedBytes int64    `json:"maxUncompressedBytes"`
	MaxFileCount         int      `json:"maxFileCount"`
}

// FileZipResult is published by the agent when the zip temp file is ready.
type FileZipResult struct {
	DownloadID   string `json:"downloadId"`
	TotalBytes   int64  `json:"totalBytes"`
	TempFilePath string `json:"tempFilePath"`
}

// FileStreamRequest starts a chunked byte stream from the agent.
type FileStreamRequest struct {
	StreamID    string `json:"streamId"`
	Path        string `json:"path"`
	StartOffset int64  `json:"startOffset"`
	EndOffset   int64  `json:"endOffset"` // exclusive; 0 means EOF
	ChunkSize   int    `json:"chunkSize"`
}

// LogReadRequest is the payload for log.read commands.
type LogReadRequest struct {
	Path     string `json:"path"`
	MaxLines int    `json:"maxLines,omitempty"`
}

// LogTailRequest is the payload for log.tail commands.
type LogTailRequest struct {
	Path            string `json:"path"`
	DurationSeconds int    `json:"durationSeconds"`
}

// LogResult is the shared response shape for log.read and log.tail.
type LogResult struct {
	Path      string   `json:"path"`
	Lines     []string `json:"lines"`
	Truncated bool     `json:"truncated"`
}

// TerminalOpenRequest is the payload for terminal.open commands.
type TerminalOpenRequest struct {
	SessionID string `json:"sessionId"`
	Shell     string `json:"shell,omitempty"`
}

// TerminalInputRequest is the payload for terminal.input commands.
type TerminalInputRequest struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

// TerminalCloseRequest is the payload for terminal.close commands.
type TerminalCloseRequest struct {
	SessionID string `json:"sessionId"`
}

// ScriptRunRequest is the payload for script.run commands.
type ScriptRunRequest struct {
	RunID          string `json:"runId"`
	Interpreter    string `json:"interpreter"`
	Script         string `json:"script"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// AgentUpdateRequest asks the agent to self-update to a released version.
type AgentUpdateRequest struct {
	Version     string `json:"version"`
	DownloadURL string `json:"downloadUrl"`
	Checksum    string `json:"checksum,omitempty"`
}

// SystemUpdateRequest asks the agent to apply approved OS updates.
type SystemUpdateRequest struct {
	HistoryID string   `json:"historyId"`
	Packages  []string `json:"packages"`
}

// PackageUpdate is one available OS package update reported by an agent.
type PackageUpdate struct {
	Name           string `json:"name"`
	CurrentVersion string `json:"currentVersion"`
	NewVersion     string `json:"newVersion"`
	Category       string `json:"category,omitempty"`
}

// SystemUpdateListResult is the service.status companion shape agents reply
// with when asked for available OS updates.
type SystemUpdateListResult struct {
	Updates []PackageUpdate `json:"updates"`
}

// ServiceStatusRequest is the payload for service.status commands.
type ServiceStatusRequest struct {
	Services []string `json:"services"`
}

// ServiceStatusResult is the service.status response shape.
type ServiceStatusResult struct {
	Services []ServiceState `json:"services"`
}

// ServiceState describes one monitored service on the node.
type ServiceState struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Detail  string `json:"detail,omitempty"`
}
