package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/manlab/manlab/internal/db"
	"github.com/manlab/manlab/internal/session/models"
)

var ErrPolicyNotFound = errors.New("policy not found")

// PolicyStore persists the allow-list policies for the log viewer and file
// browser. Policies belong to a node; a session may only reference a policy
// on its own node.
type PolicyStore struct {
	pool *db.Pool
}

// NewPolicyStore creates the policy store and initializes its schema.
func NewPolicyStore(pool *db.Pool) (*PolicyStore, error) {
	s := &PolicyStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize policy schema: %w", err)
	}
	return s, nil
}

func (s *PolicyStore) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS log_viewer_policies (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_log_viewer_policies_node ON log_viewer_policies(node_id);

	CREATE TABLE IF NOT EXISTS file_browser_policies (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		name TEXT NOT NULL,
		root_path TEXT NOT NULL,
		max_read_bytes INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_file_browser_policies_node ON file_browser_policies(node_id);
	`)
	return err
}

func (s *PolicyStore) CreateLogViewerPolicy(ctx context.Context, p *models.LogViewerPolicy) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt, p.UpdatedAt = now, now
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO log_viewer_policies (id, node_id, name, path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), p.ID, p.NodeID, p.Name, p.Path, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *PolicyStore) GetLogViewerPolicy(ctx context.Context, id string) (*models.LogViewerPolicy, error) {
	r := s.pool.Reader()
	var p models.LogViewerPolicy
	err := r.GetContext(ctx, &p, r.Rebind(`
		SELECT id, node_id, name, path, created_at, updated_at
		FROM log_viewer_policies WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PolicyStore) ListLogViewerPolicies(ctx context.Context, nodeID string) ([]*models.LogViewerPolicy, error) {
	r := s.pool.Reader()
	policies := []*models.LogViewerPolicy{}
	err := r.SelectContext(ctx, &policies, r.Rebind(`
		SELECT id, node_id, name, path, created_at, updated_at
		FROM log_viewer_policies WHERE node_id = ? ORDER BY name
	`), nodeID)
	return policies, err
}

func (s *PolicyStore) DeleteLogViewerPolicy(ctx context.Context, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM log_viewer_policies WHERE id = ?`), id)
	return checkPolicyAffected(res, err)
}

func (s *PolicyStore) CreateFileBrowserPolicy(ctx context.Context, p *models.FileBrowserPolicy) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt, p.UpdatedAt = now, now
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO file_browser_policies (id, node_id, name, root_path, max_read_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.NodeID, p.Name, p.RootPath, p.MaxReadBytes, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *PolicyStore) GetFileBrowserPolicy(ctx context.Context, id string) (*models.FileBrowserPolicy, error) {
	r := s.pool.Reader()
	var p models.FileBrowserPolicy
	err := r.GetContext(ctx, &p, r.Rebind(`
		SELECT id, node_id, name, root_path, max_read_bytes, created_at, updated_at
		FROM file_browser_policies WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PolicyStore) ListFileBrowserPolicies(ctx context.Context, nodeID string) ([]*models.FileBrowserPolicy, error) {
	r := s.pool.Reader()
	policies := []*models.FileBrowserPolicy{}
	err := r.SelectContext(ctx, &policies, r.Rebind(`
		SELECT id, node_id, name, root_path, max_read_bytes, created_at, updated_at
		FROM file_browser_policies WHERE node_id = ? ORDER BY name
	`), nodeID)
	return policies, err
}

func (s *PolicyStore) DeleteFileBrowserPolicy(ctx context.Context, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM file_browser_policies WHERE id = ?`), id)
	return checkPolicyAffected(res, err)
}

func checkPolicyAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}
