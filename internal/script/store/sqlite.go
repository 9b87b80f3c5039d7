package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/manlab/manlab/internal/db"
	"github.com/manlab/manlab/internal/script/models"
)

// SQLStore implements Store on the shared pool.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the script store and initializes its schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize script schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS scripts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		interpreter TEXT NOT NULL DEFAULT 'sh',
		content TEXT NOT NULL,
		timeout_seconds INTEGER NOT NULL DEFAULT 300,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS script_runs (
		id TEXT PRIMARY KEY,
		script_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		command_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		output TEXT NOT NULL DEFAULT '',
		requester TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_script_runs_node ON script_runs(node_id, started_at);
	`)
	return err
}

const scriptColumns = `id, name, description, interpreter, content, timeout_seconds, created_at, updated_at`

const runColumns = `id, script_id, node_id, command_id, status, output, requester, started_at, completed_at`

func (s *SQLStore) CreateScript(ctx context.Context, script *models.Script) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO scripts (`+scriptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), script.ID, script.Name, script.Description, script.Interpreter,
		script.Content, script.TimeoutSeconds, script.CreatedAt, script.UpdatedAt)
	return err
}

func (s *SQLStore) GetScript(ctx context.Context, id string) (*models.Script, error) {
	r := s.pool.Reader()
	script := &models.Script{}
	err := r.GetContext(ctx, script,
		r.Rebind(`SELECT `+scriptColumns+` FROM scripts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScriptNotFound
	}
	return script, err
}

func (s *SQLStore) ListScripts(ctx context.Context) ([]*models.Script, error) {
	r := s.pool.Reader()
	scripts := []*models.Script{}
	err := r.SelectContext(ctx, &scripts,
		`SELECT `+scriptColumns+` FROM scripts ORDER BY name, id`)
	return scripts, err
}

func (s *SQLStore) UpdateScript(ctx context.Context, script *models.Script) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE scripts SET name = ?, description = ?, interpreter = ?, content = ?,
			timeout_seconds = ?, updated_at = ?
		WHERE id = ?
	`), script.Name, script.Description, script.Interpreter, script.Content,
		script.TimeoutSeconds, time.Now().UTC(), script.ID)
	if err != nil {
		return err
	}
	return checkScriptAffected(res)
}

func (s *SQLStore) DeleteScript(ctx context.Context, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM scripts WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return checkScriptAffected(res)
}

func (s *SQLStore) CreateRun(ctx context.Context, run *models.Run) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO script_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.ScriptID, run.NodeID, run.CommandID, run.Status,
		run.Output, run.Requester, run.StartedAt, run.CompletedAt)
	return err
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	r := s.pool.Reader()
	run := &models.Run{}
	err := r.GetContext(ctx, run,
		r.Rebind(`SELECT `+runColumns+` FROM script_runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *SQLStore) ListRunsForNode(ctx context.Context, nodeID string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	r := s.pool.Reader()
	runs := []*models.Run{}
	err := r.SelectContext(ctx, &runs, r.Rebind(`
		SELECT `+runColumns+` FROM script_runs
		WHERE node_id = ?
		ORDER BY started_at DESC, id
		LIMIT ?
	`), nodeID, limit)
	return runs, err
}

func (s *SQLStore) UpdateRun(ctx context.Context, run *models.Run) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE script_runs SET status = ?, output = ?, completed_at = ?
		WHERE id = ?
	`), run.Status, run.Output, run.CompletedAt, run.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	return nil
}

func checkScriptAffected(res sql.Result) error {
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrScriptNotFound
	}
	return nil
}
