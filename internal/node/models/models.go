// Package models defines the node domain types shared by the store, the
// agent hub, and the HTTP handlers.
package models

import "time"

// NodeStatus represents the connectivity state of a managed machine.
type NodeStatus string

const (
	StatusOnline      NodeStatus = "online"
	StatusOffline     NodeStatus = "offline"
	StatusMaintenance NodeStatus = "maintenance"
)

// ApprovalMode controls whether agent updates are applied without operator
// confirmation.
type ApprovalMode string

const (
	ApprovalAutomatic ApprovalMode = "automatic"
	ApprovalManual    ApprovalMode = "manual"
)

// Node is the server-side identity of a managed machine. One-to-one with a
// live agent connection when the machine is online.
type Node struct {
	ID           string     `json:"id" db:"id"`
	Hostname     string     `json:"hostname" db:"hostname"`
	OS           string     `json:"os" db:"os"`
	IPAddress    string     `json:"ip_address" db:"ip_address"`
	AgentVersion string     `json:"agent_version" db:"agent_version"`
	AuthKeyHash  string     `json:"-" db:"auth_key_hash"`
	Status       NodeStatus `json:"status" db:"status"`
	LastSeen     time.Time  `json:"last_seen" db:"last_seen"`

	// Latest telemetry sample, updated on every heartbeat.
	CPUPct  float64 `json:"cpu_pct" db:"cpu_pct"`
	MemPct  float64 `json:"mem_pct" db:"mem_pct"`
	DiskPct float64 `json:"disk_pct" db:"disk_pct"`

	// PendingAgentVersion is set by the auto-update loop when the node's
	// approval mode is manual and a newer release is available.
	PendingAgentVersion string `json:"pending_agent_version,omitempty" db:"pending_agent_version"`

	EnrolledAt time.Time `json:"enrolled_at" db:"enrolled_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// NodeSettings holds the per-node feature switches consulted by the remote
// tools and the scheduler loops.
type NodeSettings struct {
	NodeID             string `json:"node_id" db:"node_id"`
	RemoteToolsEnabled bool   `json:"remote_tools_enabled" db:"remote_tools_enabled"`

	AutoUpdateEnabled      bool         `json:"auto_update_enabled" db:"auto_update_enabled"`
	AutoUpdateApprovalMode ApprovalMode `json:"auto_update_approval_mode" db:"auto_update_approval_mode"`
	AutoUpdateFailures     int          `json:"auto_update_failures" db:"auto_update_failures"`

	SystemUpdateEnabled    bool     `json:"system_update_enabled" db:"system_update_enabled"`
	SystemUpdateCategories []string `json:"system_update_categories" db:"-"`

	// Maintenance window as HH:MM-HH:MM in UTC. Empty means always open.
	MaintenanceWindowStart string `json:"maintenance_window_start" db:"maintenance_window_start"`
	MaintenanceWindowEnd   string `json:"maintenance_window_end" db:"maintenance_window_end"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// InMaintenanceWindow reports whether the given UTC time falls inside the
// node's maintenance window. An unset window is always open.
func (s *NodeSettings) InMaintenanceWindow(now time.Time) bool {
	if s.MaintenanceWindowStart == "" || s.MaintenanceWindowEnd == "" {
		return true
	}
	start, err := time.Parse("15:04", s.MaintenanceWindowStart)
	if err != nil {
		return true
	}
	end, err := time.Parse("15:04", s.MaintenanceWindowEnd)
	if err != nil {
		return true
	}
	cur := now.UTC().Hour()*60 + now.UTC().Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	if startMin <= endMin {
		return cur >= startMin && cur < endMin
	}
	// Window crosses midnight, e.g. 22:00-04:00.
	return cur >= startMin || cur < endMin
}

// Enrollment is a one-time token minted for onboarding a new machine. The
// agent presents the raw token; only its hash is stored.
type Enrollment struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	TokenHash string     `json:"-" db:"token_hash"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	NodeID    string     `json:"node_id,omitempty" db:"node_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
