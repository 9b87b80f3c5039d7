// Package updates runs the two maintenance schedulers: agent self-updates
// against a release catalog and OS package updates with an approval
// workflow.
package updates

import (
	"time"

	"github.com/manlab/manlab/pkg/agentwire"
)

// HistoryStatus is the OS update approval lifecycle.
type HistoryStatus string

const (
	HistoryPending    HistoryStatus = "pending"
	HistoryApproved   HistoryStatus = "approved"
	HistoryInProgress HistoryStatus = "in_progress"
	HistoryCompleted  HistoryStatus = "completed"
	HistoryFailed     HistoryStatus = "failed"
	HistoryCancelled  HistoryStatus = "cancelled"
)

// IsTerminal reports whether the history entry reached a final state.
func (s HistoryStatus) IsTerminal() bool {
	return s == HistoryCompleted || s == HistoryFailed || s == HistoryCancelled
}

// SystemUpdateHistory is one batch of OS package updates found for a node.
type SystemUpdateHistory struct {
	ID          string                    `json:"id"`
	NodeID      string                    `json:"node_id"`
	Status      HistoryStatus             `json:"status"`
	Packages    []agentwire.PackageUpdate `json:"packages"`
	CommandID   string                    `json:"command_id,omitempty"`
	Log         string                    `json:"log,omitempty"`
	TriggeredBy string                    `json:"triggered_by"`
	ApprovedBy  string                    `json:"approved_by,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
}
