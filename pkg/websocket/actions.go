package websocket

// Action constants for dashboard WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Subscription actions (client -> server)
	ActionNodeSubscribe   = "node.subscribe"
	ActionNodeUnsubscribe = "node.unsubscribe"

	// Notification actions (server -> client)
	ActionNodeEnrolled      = "node.enrolled"
	ActionNodeStatusChanged = "node.status_changed"
	ActionNodeRemoved       = "node.removed"
	ActionCommandCompleted  = "command.completed"
	ActionDownloadProgress  = "download.progress"
	ActionDownloadCompleted = "download.completed"
	ActionUpdatePending     = "update.pending"
	ActionSystemUpdateFound = "update.system_found"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
