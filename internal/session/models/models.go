// Package models defines the short-lived session types minted for the
// remote tools, plus the allow-list policies that scope them.
package models

import "time"

// Kind discriminates the three session services.
type Kind string

const (
	KindTerminal    Kind = "terminal"
	KindLogViewer   Kind = "log-viewer"
	KindFileBrowser Kind = "file-browser"
)

// State is the session lifecycle state. Expiry is asynchronous: the cleanup
// worker marks expired sessions, TryGet just refuses to return them.
type State string

const (
	StateOpen    State = "open"
	StateExpired State = "expired"
	StateClosed  State = "closed"
)

// Session is a server-minted capability scoped to one node and optionally
// one policy. Requester is recorded for audit only.
type Session struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	Kind      Kind      `json:"kind"`
	PolicyID  string    `json:"policy_id,omitempty"`
	Root      string    `json:"root"`
	ByteLimit int64     `json:"byte_limit,omitempty"`
	Requester string    `json:"requester,omitempty"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session TTL has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// LogViewerPolicy allow-lists one log path on a node.
type LogViewerPolicy struct {
	ID        string    `json:"id" db:"id"`
	NodeID    string    `json:"node_id" db:"node_id"`
	Name      string    `json:"name" db:"name"`
	Path      string    `json:"path" db:"path"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FileBrowserPolicy allow-lists one filesystem root on a node.
type FileBrowserPolicy struct {
	ID           string    `json:"id" db:"id"`
	NodeID       string    `json:"node_id" db:"node_id"`
	Name         string    `json:"name" db:"name"`
	RootPath     string    `json:"root_path" db:"root_path"`
	MaxReadBytes int64     `json:"max_read_bytes" db:"max_read_bytes"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
