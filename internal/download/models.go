// Package download orchestrates single-file and zip downloads: the download
// session lifecycle, the agent-side prepare step, and the chunked stream
// into the HTTP response.
package download

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Status is the download session lifecycle.
type Status string

const (
	StatusCreated     Status = "created"
	StatusPreparing   Status = "preparing"
	StatusReady       Status = "ready"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// session is one download's mutable state. All fields behind mu; the
// cancellation scope is the root for everything spawned on its behalf.
type session struct {
	mu sync.Mutex

	ID        string
	NodeID    string
	BrowserID string
	Paths     []string
	AsZip     bool
	Filename  string

	TotalBytes       int64
	TransferredBytes int64
	TempFilePath     string

	Status      Status
	Error       string
	Requester   string
	CreatedAt   time.Time
	CompletedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	streaming  bool // exactly one /stream call may own the session
	cancelSent bool // at most one command.cancel goes to the agent
}

// Snapshot is the immutable public view of a download session.
type Snapshot struct {
	ID               string    `json:"id"`
	NodeID           string    `json:"node_id"`
	Paths            []string  `json:"paths"`
	AsZip            bool      `json:"as_zip"`
	Filename         string    `json:"filename"`
	TotalBytes       int64     `json:"total_bytes"`
	TransferredBytes int64     `json:"transferred_bytes"`
	Status           Status    `json:"status"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (d *session) snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		ID:               d.ID,
		NodeID:           d.NodeID,
		Paths:            append([]string(nil), d.Paths...),
		AsZip:            d.AsZip,
		Filename:         d.Filename,
		TotalBytes:       d.TotalBytes,
		TransferredBytes: d.TransferredBytes,
		Status:           d.Status,
		Error:            d.Error,
		CreatedAt:        d.CreatedAt,
	}
}

// maxFilenameLen caps Content-Disposition filenames.
const maxFilenameLen = 200

// sanitizeFilename replaces characters that break Content-Disposition and
// caps the length.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > maxFilenameLen {
		out = out[:maxFilenameLen]
	}
	if out == "" {
		out = "download"
	}
	return out
}
