package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/manlab/manlab/internal/db"
	"github.com/manlab/manlab/internal/node/models"
)

// SQLStore implements Store on the shared connection pool. Queries are
// written against SQLite and rebound for Postgres via sqlx.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the node store and initializes its schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize node schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		agent_version TEXT NOT NULL DEFAULT '',
		auth_key_hash TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'offline',
		last_seen TIMESTAMP NOT NULL,
		cpu_pct REAL NOT NULL DEFAULT 0,
		mem_pct REAL NOT NULL DEFAULT 0,
		disk_pct REAL NOT NULL DEFAULT 0,
		pending_agent_version TEXT NOT NULL DEFAULT '',
		enrolled_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
	CREATE INDEX IF NOT EXISTS idx_nodes_last_seen ON nodes(last_seen);

	CREATE TABLE IF NOT EXISTS node_settings (
		node_id TEXT PRIMARY KEY,
		remote_tools_enabled INTEGER NOT NULL DEFAULT 1,
		auto_update_enabled INTEGER NOT NULL DEFAULT 0,
		auto_update_approval_mode TEXT NOT NULL DEFAULT 'manual',
		auto_update_failures INTEGER NOT NULL DEFAULT 0,
		system_update_enabled INTEGER NOT NULL DEFAULT 0,
		system_update_categories TEXT NOT NULL DEFAULT '[]',
		maintenance_window_start TEXT NOT NULL DEFAULT '',
		maintenance_window_end TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		token_hash TEXT NOT NULL UNIQUE,
		used_at TIMESTAMP,
		node_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

const nodeColumns = `id, hostname, os, ip_address, agent_version, auth_key_hash, status, last_seen,
	cpu_pct, mem_pct, disk_pct, pending_agent_version, enrolled_at, created_at, updated_at`

func (s *SQLStore) CreateNode(ctx context.Context, node *models.Node) error {
	now := time.Now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now
	if node.EnrolledAt.IsZero() {
		node.EnrolledAt = now
	}
	if node.LastSeen.IsZero() {
		node.LastSeen = now
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), node.ID, node.Hostname, node.OS, node.IPAddress, node.AgentVersion,
		node.AuthKeyHash, node.Status, node.LastSeen,
		node.CPUPct, node.MemPct, node.DiskPct, node.PendingAgentVersion,
		node.EnrolledAt, node.CreatedAt, node.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateToken
	}
	return err
}

func (s *SQLStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	r := s.pool.Reader()
	var node models.Node
	err := r.GetContext(ctx, &node, r.Rebind(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *SQLStore) GetNodeByAuthKeyHash(ctx context.Context, hash string) (*models.Node, error) {
	r := s.pool.Reader()
	var node models.Node
	err := r.GetContext(ctx, &node, r.Rebind(`SELECT `+nodeColumns+` FROM nodes WHERE auth_key_hash = ?`), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *SQLStore) ListNodes(ctx context.Context) ([]*models.Node, error) {
	r := s.pool.Reader()
	nodes := []*models.Node{}
	err := r.SelectContext(ctx, &nodes, `SELECT `+nodeColumns+` FROM nodes ORDER BY hostname, id`)
	return nodes, err
}

func (s *SQLStore) ListStaleOnline(ctx context.Context, cutoff time.Time) ([]*models.Node, error) {
	r := s.pool.Reader()
	nodes := []*models.Node{}
	err := r.SelectContext(ctx, &nodes, r.Rebind(`
		SELECT `+nodeColumns+` FROM nodes
		WHERE status = ? AND last_seen < ?
	`), models.StatusOnline, cutoff.UTC())
	return nodes, err
}

func (s *SQLStore) UpdateNodeStatus(ctx context.Context, id string, status models.NodeStatus) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	return checkNodeAffected(res, err)
}

func (s *SQLStore) MarkOfflineIfStale(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE nodes SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND last_seen < ?
	`), models.StatusOffline, time.Now().UTC(), id, models.StatusOnline, cutoff.UTC())
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func (s *SQLStore) UpdateHeartbeat(ctx context.Context, id string, lastSeen time.Time, cpuPct, memPct, diskPct float64) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE nodes
		SET last_seen = ?, cpu_pct = ?, mem_pct = ?, disk_pct = ?, updated_at = ?
		WHERE id = ?
	`), lastSeen.UTC(), cpuPct, memPct, diskPct, time.Now().UTC(), id)
	return checkNodeAffected(res, err)
}

func (s *SQLStore) UpdateNodeInfo(ctx context.Context, id, hostname, osLabel, agentVersion, ipAddress string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE nodes
		SET hostname = ?, os = ?, agent_version = ?, ip_address = ?, updated_at = ?
		WHERE id = ?
	`), hostname, osLabel, agentVersion, ipAddress, time.Now().UTC(), id)
	return checkNodeAffected(res, err)
}

func (s *SQLStore) SetPendingAgentVersion(ctx context.Context, id, version string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE nodes SET pending_agent_version = ?, updated_at = ? WHERE id = ?
	`), version, time.Now().UTC(), id)
	return checkNodeAffected(res, err)
}

func (s *SQLStore) DeleteNode(ctx context.Context, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM nodes WHERE id = ?`), id)
	return checkNodeAffected(res, err)
}

func (s *SQLStore) GetSettings(ctx context.Context, nodeID string) (*models.NodeSettings, error) {
	r := s.pool.Reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT node_id, remote_tools_enabled, auto_update_enabled, auto_update_approval_mode,
			auto_update_failures, system_update_enabled, system_update_categories,
			maintenance_window_start, maintenance_window_end, created_at, updated_at
		FROM node_settings WHERE node_id = ?
	`), nodeID)

	settings := &models.NodeSettings{}
	var categoriesRaw string
	err := row.Scan(&settings.NodeID, &settings.RemoteToolsEnabled, &settings.AutoUpdateEnabled,
		&settings.AutoUpdateApprovalMode, &settings.AutoUpdateFailures,
		&settings.SystemUpdateEnabled, &categoriesRaw,
		&settings.MaintenanceWindowStart, &settings.MaintenanceWindowEnd,
		&settings.CreatedAt, &settings.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Nodes without a settings row run with defaults.
		return defaultSettings(nodeID), nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(categoriesRaw), &settings.SystemUpdateCategories); err != nil {
		settings.SystemUpdateCategories = []string{}
	}
	return settings, nil
}

func defaultSettings(nodeID string) *models.NodeSettings {
	return &models.NodeSettings{
		NodeID:                 nodeID,
		RemoteToolsEnabled:     true,
		AutoUpdateApprovalMode: models.ApprovalManual,
		SystemUpdateCategories: []string{},
	}
}

func (s *SQLStore) UpsertSettings(ctx context.Context, settings *models.NodeSettings) error {
	now := time.Now().UTC()
	settings.UpdatedAt = now
	if settings.CreatedAt.IsZero() {
		settings.CreatedAt = now
	}
	if settings.AutoUpdateApprovalMode == "" {
		settings.AutoUpdateApprovalMode = models.ApprovalManual
	}
	categories, err := json.Marshal(settings.SystemUpdateCategories)
	if err != nil {
		return err
	}
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO node_settings (node_id, remote_tools_enabled, auto_update_enabled,
			auto_update_approval_mode, auto_update_failures, system_update_enabled,
			system_update_categories, maintenance_window_start, maintenance_window_end,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			remote_tools_enabled = excluded.remote_tools_enabled,
			auto_update_enabled = excluded.auto_update_enabled,
			auto_update_approval_mode = excluded.auto_update_approval_mode,
			system_update_enabled = excluded.system_update_enabled,
			system_update_categories = excluded.system_update_categories,
			maintenance_window_start = excluded.maintenance_window_start,
			maintenance_window_end = excluded.maintenance_window_end,
			updated_at = excluded.updated_at
	`), settings.NodeID, settings.RemoteToolsEnabled, settings.AutoUpdateEnabled,
		settings.AutoUpdateApprovalMode, settings.AutoUpdateFailures,
		settings.SystemUpdateEnabled, string(categories),
		settings.MaintenanceWindowStart, settings.MaintenanceWindowEnd,
		settings.CreatedAt, settings.UpdatedAt)
	return err
}

func (s *SQLStore) IncrementAutoUpdateFailures(ctx context.Context, nodeID string) (int, error) {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE node_settings
		SET auto_update_failures = auto_update_failures + 1, updated_at = ?
		WHERE node_id = ?
	`), time.Now().UTC(), nodeID)
	if err != nil {
		return 0, err
	}
	var count int
	r := s.pool.Reader()
	if err := r.GetContext(ctx, &count, r.Rebind(`
		SELECT auto_update_failures FROM node_settings WHERE node_id = ?
	`), nodeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

func (s *SQLStore) ResetAutoUpdateFailures(ctx context.Context, nodeID string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE node_settings SET auto_update_failures = 0, updated_at = ? WHERE node_id = ?
	`), time.Now().UTC(), nodeID)
	return err
}

func (s *SQLStore) DisableAutoUpdate(ctx context.Context, nodeID string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE node_settings SET auto_update_enabled = 0, updated_at = ? WHERE node_id = ?
	`), time.Now().UTC(), nodeID)
	return err
}

func (s *SQLStore) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = time.Now().UTC()
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO enrollments (id, name, token_hash, node_id, created_at)
		VALUES (?, ?, ?, '', ?)
	`), enrollment.ID, enrollment.Name, enrollment.TokenHash, enrollment.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateToken
	}
	return err
}

func (s *SQLStore) GetEnrollmentByTokenHash(ctx context.Context, hash string) (*models.Enrollment, error) {
	r := s.pool.Reader()
	var e models.Enrollment
	err := r.GetContext(ctx, &e, r.Rebind(`
		SELECT id, name, token_hash, used_at, node_id, created_at
		FROM enrollments WHERE token_hash = ?
	`), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLStore) ConsumeEnrollment(ctx context.Context, id, nodeID string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE enrollments SET used_at = ?, node_id = ? WHERE id = ? AND used_at IS NULL
	`), time.Now().UTC(), nodeID, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrEnrollmentUsed
	}
	return nil
}

func (s *SQLStore) Close() error {
	// Pool lifetime is owned by the caller that opened it.
	return nil
}

func checkNodeAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// isUniqueViolation covers both the sqlite3 and pgx error messages.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
