package updates

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manlab/manlab/internal/db"
	"github.com/manlab/manlab/pkg/agentwire"
)

var ErrHistoryNotFound = errors.New("system update history not found")

// HistoryStore persists the OS update approval workflow.
type HistoryStore struct {
	pool *db.Pool
}

// NewHistoryStore creates the history store and initializes its schema.
func NewHistoryStore(pool *db.Pool) (*HistoryStore, error) {
	s := &HistoryStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize system update schema: %w", err)
	}
	return s, nil
}

func (s *HistoryStore) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS system_update_history (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		packages TEXT NOT NULL DEFAULT '[]',
		command_id TEXT NOT NULL DEFAULT '',
		log TEXT NOT NULL DEFAULT '',
		triggered_by TEXT NOT NULL DEFAULT '',
		approved_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_system_update_node ON system_update_history(node_id, status);
	`)
	return err
}

const historyColumns = `id, node_id, status, packages, command_id, log, triggered_by, approved_by, created_at, updated_at, completed_at`

func (s *HistoryStore) Create(ctx context.Context, h *SystemUpdateHistory) error {
	packages, err := json.Marshal(h.Packages)
	if err != nil {
		return err
	}
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO system_update_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), h.ID, h.NodeID, h.Status, string(packages), h.CommandID, h.Log,
		h.TriggeredBy, h.ApprovedBy, h.CreatedAt, h.UpdatedAt, h.CompletedAt)
	return err
}

func (s *HistoryStore) Get(ctx context.Context, id string) (*SystemUpdateHistory, error) {
	r := s.pool.Reader()
	h, err := scanHistory(r.QueryRowContext(ctx,
		r.Rebind(`SELECT `+historyColumns+` FROM system_update_history WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHistoryNotFound
	}
	return h, err
}

// ListForNode returns the node's history, newest first.
func (s *HistoryStore) ListForNode(ctx context.Context, nodeID string, limit int) ([]*SystemUpdateHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	r := s.pool.Reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT `+historyColumns+` FROM system_update_history
		WHERE node_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`), nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*SystemUpdateHistory{}
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HasOpen reports whether the node already has a non-terminal entry, so the
// scheduler never stacks duplicate batches.
func (s *HistoryStore) HasOpen(ctx context.Context, nodeID string) (bool, error) {
	r := s.pool.Reader()
	var count int
	err := r.GetContext(ctx, &count, r.Rebind(`
		SELECT COUNT(*) FROM system_update_history
		WHERE node_id = ? AND status IN (?, ?, ?)
	`), nodeID, HistoryPending, HistoryApproved, HistoryInProgress)
	return count > 0, err
}

// Update persists mutable workflow fields.
func (s *HistoryStore) Update(ctx context.Context, h *SystemUpdateHistory) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE system_update_history
		SET status = ?, command_id = ?, log = ?, approved_by = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`), h.Status, h.CommandID, h.Log, h.ApprovedBy, time.Now().UTC(), h.CompletedAt, h.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrHistoryNotFound
	}
	return nil
}

func scanHistory(scanner interface{ Scan(dest ...any) error }) (*SystemUpdateHistory, error) {
	h := &SystemUpdateHistory{}
	var packages string
	if err := scanner.Scan(&h.ID, &h.NodeID, &h.Status, &packages, &h.CommandID,
		&h.Log, &h.TriggeredBy, &h.ApprovedBy, &h.CreatedAt, &h.UpdatedAt, &h.CompletedAt); err != nil {
		return nil, err
	}
	if packages != "" {
		if err := json.Unmarshal([]byte(packages), &h.Packages); err != nil {
			return nil, fmt.Errorf("corrupt package list on history %s: %w", h.ID, err)
		}
	}
	if h.Packages == nil {
		h.Packages = []agentwire.PackageUpdate{}
	}
	return h, nil
}
