// Package models defines saved scripts and their execution runs.
package models

import "time"

// RunStatus is the lifecycle of one script execution on a node.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run reached a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

// Script is a saved, reusable script definition.
type Script struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Description    string    `db:"description" json:"description"`
	Interpreter    string    `db:"interpreter" json:"interpreter"`
	Content        string    `db:"content" json:"content"`
	TimeoutSeconds int       `db:"timeout_seconds" json:"timeout_seconds"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Run is one execution of a script on a node. CommandID ties the run to the
// queued command that carries it to the agent.
type Run struct {
	ID          string     `db:"id" json:"id"`
	ScriptID    string     `db:"script_id" json:"script_id"`
	NodeID      string     `db:"node_id" json:"node_id"`
	CommandID   string     `db:"command_id" json:"command_id"`
	Status      RunStatus  `db:"status" json:"status"`
	Output      string     `db:"output" json:"output"`
	Requester   string     `db:"requester" json:"requester"`
	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}
