package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/db"
)

var ErrSecretNotFound = errors.New("secret not found")

// Secret is a named encrypted value. Value holds the sealed form; plaintext
// only exists in memory during Reveal.
type Secret struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Value     string    `db:"value" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Service stores and reveals encrypted secrets.
type Service struct {
	pool   *db.Pool
	keys   *MasterKeyProvider
	logger *logger.Logger
}

// NewService creates the secrets service and initializes its schema.
func NewService(pool *db.Pool, keys *MasterKeyProvider, log *logger.Logger) (*Service, error) {
	s := &Service{
		pool:   pool,
		keys:   keys,
		logger: log.WithFields(zap.String("component", "secrets")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize secrets schema: %w", err)
	}
	return s, nil
}

func (s *Service) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS secrets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		value TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

// Create encrypts and stores a new secret.
func (s *Service) Create(ctx context.Context, name, plaintext string) (*Secret, error) {
	sealed, err := EncryptString(plaintext, s.keys.Key())
	if err != nil {
		return nil, err
	}
	secret := &Secret{
		ID:        uuid.New().String(),
		Name:      name,
		Value:     sealed,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO secrets (id, name, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), secret.ID, secret.Name, secret.Value, secret.CreatedAt, secret.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// List returns secret metadata without values.
func (s *Service) List(ctx context.Context) ([]*Secret, error) {
	r := s.pool.Reader()
	out := []*Secret{}
	err := r.SelectContext(ctx, &out,
		`SELECT id, name, value, created_at, updated_at FROM secrets ORDER BY name`)
	for _, secret := range out {
		secret.Value = ""
	}
	return out, err
}

// Update replaces a secret's value.
func (s *Service) Update(ctx context.Context, id, plaintext string) error {
	sealed, err := EncryptString(plaintext, s.keys.Key())
	if err != nil {
		return err
	}
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE secrets SET value = ?, updated_at = ? WHERE id = ?
	`), sealed, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrSecretNotFound
	}
	return nil
}

// Delete removes a secret.
func (s *Service) Delete(ctx context.Context, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM secrets WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrSecretNotFound
	}
	return nil
}

// Reveal decrypts and returns a secret's plaintext.
func (s *Service) Reveal(ctx context.Context, id string) (string, error) {
	r := s.pool.Reader()
	secret := &Secret{}
	err := r.GetContext(ctx, secret,
		r.Rebind(`SELECT id, name, value, created_at, updated_at FROM secrets WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", err
	}
	return DecryptString(secret.Value, s.keys.Key())
}
