// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts and intervals for the dispatch and streaming subsystems.
const (
	// CommandPollInterval is how often the completion waiter re-reads a
	// command's status. Short enough for interactive UX, long enough to keep
	// DB load bounded under hundreds of concurrent operations.
	CommandPollInterval = 150 * time.Millisecond

	// CommandWaitDefault is the synchronous wait for generic commands.
	CommandWaitDefault = 30 * time.Second

	// FileOpWait is the synchronous wait for file.list and file.read.
	FileOpWait = 10 * time.Second

	// LogTailGrace is added on top of the requested tail duration.
	LogTailGrace = 10 * time.Second

	// ZipReadyPollInterval is how often the download coordinator re-checks
	// whether the agent has finished assembling a zip.
	ZipReadyPollInterval = 200 * time.Millisecond

	// ZipReadyTimeout bounds the whole zip-preparation wait.
	ZipReadyTimeout = 2 * time.Hour

	// FirstChunkTimeout bounds the wait for the first stream chunk; a silent
	// agent past this point is treated as dead.
	FirstChunkTimeout = 60 * time.Second

	// StreamOverallTimeout bounds a single download stream end to end.
	StreamOverallTimeout = 30 * time.Minute

	// RegistrySnapshotTTL is how long the connected-nodes snapshot is served
	// from cache before being rebuilt.
	RegistrySnapshotTTL = 5 * time.Second

	// HealthCheckInterval is the health monitor tick.
	HealthCheckInterval = 30 * time.Second

	// HealthCheckInitialDelay is the delay before the first tick.
	HealthCheckInitialDelay = 2 * time.Second

	// OfflineThreshold is the silence window after which an Online node is
	// marked Offline.
	OfflineThreshold = 2 * time.Minute

	// AgentUpdateInterval is the agent auto-update scheduler tick.
	AgentUpdateInterval = 15 * time.Minute

	// SystemUpdateInterval is the OS update scheduler tick.
	SystemUpdateInterval = 6 * time.Hour
)

// Session TTL bounds; requested TTLs are clamped into this range.
const (
	SessionTTLMin = 1 * time.Second
	SessionTTLMax = 60 * time.Minute
)

// Output tail caps per command type; TailCapDefault applies when no override
// exists.
const (
	TailCapDefault  = 64 * 1024
	TailCapFileRead = 32 * 1024
)
