package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/db"
)

// SQLStore implements Store on the shared pool. Transitions are enforced in
// the UPDATE predicates so concurrent writers can never move a command
// backward regardless of interleaving.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the command store and initializes its schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize command schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS command_queue (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'queued',
		output_log TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		sent_at TIMESTAMP,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_command_queue_node_status ON command_queue(node_id, status);
	CREATE INDEX IF NOT EXISTS idx_command_queue_created_at ON command_queue(created_at);
	`)
	return err
}

const commandColumns = `id, node_id, type, payload, status, output_log, created_at, sent_at, completed_at`

func (s *SQLStore) Enqueue(ctx context.Context, nodeID, commandType string, payload json.RawMessage) (*models.Command, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	cmd := &models.Command{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Type:      commandType,
		Payload:   payload,
		Status:    models.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO command_queue (id, node_id, type, payload, status, output_log, created_at)
		VALUES (?, ?, ?, ?, ?, '', ?)
	`), cmd.ID, cmd.NodeID, cmd.Type, string(cmd.Payload), cmd.Status, cmd.CreatedAt)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func (s *SQLStore) MarkSent(ctx context.Context, commandID string) (bool, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE command_queue SET status = ?, sent_at = ?
		WHERE id = ? AND status = ?
	`), models.StatusSent, time.Now().UTC(), commandID, models.StatusQueued)
	if err != nil {
		return false, err
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return true, nil
	}
	// Idempotent: report success if an earlier call already marked it sent.
	cmd, err := s.Get(ctx, commandID)
	if err != nil {
		return false, err
	}
	return cmd.Status == models.StatusSent, nil
}

func (s *SQLStore) Complete(ctx context.Context, commandID string, status models.Status, outputTail string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("complete requires a terminal status, got %q", status)
	}
	cmd, err := s.Get(ctx, commandID)
	if err != nil {
		return err
	}
	tail := truncateTail(outputTail, tailCapFor(cmd.Type))

	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE command_queue SET status = ?, output_log = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`), status, tail, time.Now().UTC(), commandID, models.StatusQueued, models.StatusSent)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, commandID string) (*models.Command, error) {
	r := s.pool.Reader()
	cmd, err := scanCommand(r.QueryRowContext(ctx,
		r.Rebind(`SELECT `+commandColumns+` FROM command_queue WHERE id = ?`), commandID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	return cmd, err
}

func (s *SQLStore) ListPending(ctx context.Context, nodeID string) ([]*models.Command, error) {
	r := s.pool.Reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT `+commandColumns+` FROM command_queue
		WHERE node_id = ? AND status IN (?, ?)
		ORDER BY created_at, id
	`), nodeID, models.StatusQueued, models.StatusSent)
	if err != nil {
		return nil, err
	}
	return collectCommands(rows)
}

func (s *SQLStore) ListUndispatchedForConnected(ctx context.Context, connectedNodeIDs []string) ([]*models.Command, error) {
	if len(connectedNodeIDs) == 0 {
		return []*models.Command{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(connectedNodeIDs)), ", ")
	args := make([]interface{}, 0, len(connectedNodeIDs)+1)
	args = append(args, models.StatusQueued)
	for _, id := range connectedNodeIDs {
		args = append(args, id)
	}
	r := s.pool.Reader()
	rows, err := r.QueryContext(ctx, r.Rebind(`
		SELECT `+commandColumns+` FROM command_queue
		WHERE status = ? AND node_id IN (`+placeholders+`)
		ORDER BY created_at, id
	`), args...)
	if err != nil {
		return nil, err
	}
	return collectCommands(rows)
}

func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoffDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -cutoffDays)
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM command_queue
		WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`), models.StatusSuccess, models.StatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanCommand(scanner interface{ Scan(dest ...any) error }) (*models.Command, error) {
	cmd := &models.Command{}
	var payload string
	if err := scanner.Scan(&cmd.ID, &cmd.NodeID, &cmd.Type, &payload, &cmd.Status,
		&cmd.OutputLog, &cmd.CreatedAt, &cmd.SentAt, &cmd.CompletedAt); err != nil {
		return nil, err
	}
	cmd.Payload = json.RawMessage(payload)
	return cmd, nil
}

func collectCommands(rows *sql.Rows) ([]*models.Command, error) {
	defer func() {
		_ = rows.Close()
	}()
	commands := []*models.Command{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}
