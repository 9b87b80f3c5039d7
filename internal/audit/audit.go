// Package audit records operator and system actions. Writes are queued
// through a buffered channel and flushed by a background writer, so
// recording never blocks or fails the request path.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/db"
)

const queueCapacity = 256

// Event is one recorded action.
type Event struct {
	ID        string          `db:"id" json:"id"`
	Action    string          `db:"action" json:"action"`
	Actor     string          `db:"actor" json:"actor"`
	NodeID    string          `db:"node_id" json:"node_id,omitempty"`
	Detail    json.RawMessage `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Recorder queues audit events and persists them asynchronously.
type Recorder struct {
	pool   *db.Pool
	logger *logger.Logger
	queue  chan *Event

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder creates the audit recorder, initializes its schema, and
// starts the writer goroutine.
func NewRecorder(pool *db.Pool, log *logger.Logger) (*Recorder, error) {
	r := &Recorder{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "audit")),
		queue:  make(chan *Event, queueCapacity),
		done:   make(chan struct{}),
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	go r.writer()
	return r, nil
}

func (r *Recorder) initSchema() error {
	_, err := r.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		node_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at);
	`)
	return err
}

// Record queues one event. When the queue is full the event is dropped with
// a warning; audit must never stall a request.
func (r *Recorder) Record(action, actor, nodeID string, detail interface{}) {
	var raw json.RawMessage
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			r.logger.Warn("unencodable audit detail dropped",
				zap.String("action", action), zap.Error(err))
		} else {
			raw = data
		}
	}
	event := &Event{
		ID:        uuid.New().String(),
		Action:    action,
		Actor:     actor,
		NodeID:    nodeID,
		Detail:    raw,
		CreatedAt: time.Now().UTC(),
	}
	select {
	case r.queue <- event:
	default:
		r.logger.Warn("audit queue full, event dropped",
			zap.String("action", action))
	}
}

func (r *Recorder) writer() {
	defer close(r.done)
	for event := range r.queue {
		if err := r.persist(event); err != nil {
			r.logger.Error("failed to persist audit event",
				zap.String("action", event.Action), zap.Error(err))
		}
	}
}

func (r *Recorder) persist(event *Event) error {
	detail := "{}"
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}
	w := r.pool.Writer()
	_, err := w.ExecContext(context.Background(), w.Rebind(`
		INSERT INTO audit_events (id, action, actor, node_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), event.ID, event.Action, event.Actor, event.NodeID, detail, event.CreatedAt)
	return err
}

// List returns the most recent events, newest first.
func (r *Recorder) List(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	reader := r.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(`
		SELECT id, action, actor, node_id, detail, created_at
		FROM audit_events
		ORDER BY created_at DESC, id
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Event{}
	for rows.Next() {
		e := &Event{}
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.NodeID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = json.RawMessage(detail)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close drains the queue and stops the writer.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.queue)
	})
	select {
	case <-r.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("audit writer did not drain in time")
	}
}
