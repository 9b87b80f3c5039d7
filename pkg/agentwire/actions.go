package agentwire

// Action constants for agent channel messages
const (
	// Agent -> server
	ActionAgentEnroll    = "agent.enroll"
	ActionAgentHeartbeat = "agent.heartbeat"
	ActionAgentTelemetry = "agent.telemetry"
	ActionCommandResult  = "command.result"
	ActionStreamChunk    = "stream.chunk"
	ActionStreamEnd      = "stream.end"

	// Server -> agent
	ActionCommandExecute = "command.execute"
	ActionCommandReplay  = "command.replay"

	// Server -> dashboard notifications
	ActionNodeStatusChanged    = "node.status_changed"
	ActionPendingUpdateCreated = "update.pending_created"
	ActionDownloadProgress     = "download.progress"
)

// Command type tags carried in ExecuteCommand payloads. The agent dispatches
// on these; the server treats the payload as an opaque, schema-checked blob.
const (
	CommandFileList      = "file.list"
	CommandFileRead      = "file.read"
	CommandFileZip       = "file.zip"
	CommandFileStream    = "file.stream"
	CommandLogRead       = "log.read"
	CommandLogTail       = "log.tail"
	CommandTerminalOpen  = "terminal.open"
	CommandTerminalInput = "terminal.input"
	CommandTerminalClose = "terminal.close"
	CommandScriptRun     = "script.run"
	CommandServiceStatus = "service.status"
	CommandAgentUpdate   = "agent.update"
	CommandSystemUpdate  = "system.update"
	CommandCancel        = "command.cancel"
)

// KnownCommandType reports whether the given tag is a recognized command type.
func KnownCommandType(tag string) bool {
	switch tag {
	case CommandFileList, CommandFileRead, CommandFileZip, CommandFileStream,
		CommandLogRead, CommandLogTail,
		CommandTerminalOpen, CommandTerminalInput, CommandTerminalClose,
		CommandScriptRun, CommandServiceStatus,
		CommandAgentUpdate, CommandSystemUpdate, CommandCancel:
		return true
	}
	return false
}

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
