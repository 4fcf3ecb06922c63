package docstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/forkful/docsync/pkg/docid"
)

//go:embed schema.sql
var schemaSQL string

// SQLite keeps every document as a row in a single database file.
// It is the backend of choice for server-hosted clients and relays.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite creates or opens the database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - FULL synchronous mode, so Save is durable when it returns
//   - 5-second busy timeout for lock contention
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, storageErr("open", docid.Nil, fmt.Errorf("failed to open database: %w", err))
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storageErr("open", docid.Nil, fmt.Errorf("failed to connect to database: %w", err))
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, storageErr("open", docid.Nil, fmt.Errorf("failed to execute %q: %w", pragma, err))
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, storageErr("open", docid.Nil, fmt.Errorf("failed to execute schema: %w", err))
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, id docid.ID, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		id.String(), data, time.Now().UnixMilli())
	return storageErr("save", id, err)
}

func (s *SQLite) Load(ctx context.Context, id docid.ID) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("load", id, err)
	}
	return data, true, nil
}

func (s *SQLite) Exists(ctx context.Context, id docid.ID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM documents WHERE id = ?`, id.String()).Scan(&n)
	if err != nil {
		return false, storageErr("exists", id, err)
	}
	return n > 0, nil
}

func (s *SQLite) List(ctx context.Context) ([]docid.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, storageErr("list", docid.Nil, err)
	}
	defer rows.Close()

	var ids []docid.ID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr("list", docid.Nil, err)
		}
		id, err := docid.Parse(raw)
		if err != nil {
			return nil, storageErr("list", docid.Nil, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", docid.Nil, err)
	}
	return ids, nil
}

func (s *SQLite) SaveRoot(ctx context.Context, id docid.ID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO root_slot (slot, id) VALUES (0, ?)
		ON CONFLICT(slot) DO UPDATE SET id = excluded.id`, id.String())
	return storageErr("save root", id, err)
}

func (s *SQLite) LoadRoot(ctx context.Context) (docid.ID, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM root_slot WHERE slot = 0`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return docid.Nil, false, nil
	}
	if err != nil {
		return docid.Nil, false, storageErr("load root", docid.Nil, err)
	}
	id, err := docid.Parse(raw)
	if err != nil {
		return docid.Nil, false, storageErr("load root", docid.Nil, err)
	}
	return id, true, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
