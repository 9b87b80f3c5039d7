package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/manlab/manlab/internal/common/config"
)

// Open creates the connection pool used by all stores, selecting the driver
// from configuration. SQLite gets a single-writer / multi-reader split;
// Postgres shares one pgx-backed pool for both roles.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "", "sqlite":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(
			sqlx.NewDb(writer, "sqlite3"),
			sqlx.NewDb(reader, "sqlite3"),
		), nil

	case "postgres":
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, "pgx")
		return NewPool(shared, shared), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
