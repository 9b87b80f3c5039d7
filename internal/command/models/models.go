// Package models defines the durable command queue types.
package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a queued command. Transitions form a DAG:
// queued → sent → {success, failed}, with queued → {success, failed} allowed
// when the agent completes before the sent transition is recorded. Terminal
// states are never left.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSent    Status = "sent"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Command is one unit of work queued for a node's agent. OutputLog holds the
// tail-bounded stdout/stderr capture, never a full log.
type Command struct {
	ID          string          `json:"id" db:"id"`
	NodeID      string          `json:"node_id" db:"node_id"`
	Type        string          `json:"type" db:"type"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Status      Status          `json:"status" db:"status"`
	OutputLog   string          `json:"output_log" db:"output_log"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	SentAt      *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}
