// Package events provides event type constants and the bus provider for the
// ManLab control plane.
package events

// Event types for nodes
const (
	NodeEnrolled      = "node.enrolled"
	NodeStatusChanged = "node.status_changed"
	NodeRemoved       = "node.removed"
)

// Event types for commands
const (
	CommandCompleted = "command.completed"
)

// Event types for downloads
const (
	DownloadProgress  = "download.progress"
	DownloadCompleted = "download.completed"
)

// Event types for updates
const (
	PendingUpdateCreated = "update.pending_created"
	SystemUpdateCreated  = "update.system_created"
)
