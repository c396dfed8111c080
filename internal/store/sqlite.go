package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/BTreeMap/CarePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore keeps documents as JSON text in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

var _ DocumentStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database file named by the DSN
// and applies migrations.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// One writer at a time; the driver reports SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, models.ErrNotFound)
	}
	if err != nil {
		slog.Error("SQLiteStore.Get failed", "collection", collection, "id", id, "error", err)
		return nil, fmt.Errorf("sqlite get %s/%s: %w: %w", collection, id, models.ErrExternalService, err)
	}
	return []byte(body), nil
}

func (s *SQLiteStore) Put(ctx context.Context, collection, id string, doc []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, json(?), CURRENT_TIMESTAMP)
		 ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		collection, id, string(doc),
	)
	if err != nil {
		slog.Error("SQLiteStore.Put failed", "collection", collection, "id", id, "error", err)
		return fmt.Errorf("sqlite put %s/%s: %w: %w", collection, id, models.ErrExternalService, err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, collection, id string, doc []byte) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, json(?), CURRENT_TIMESTAMP)
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, string(doc),
	)
	if err != nil {
		slog.Error("SQLiteStore.Create failed", "collection", collection, "id", id, "error", err)
		return fmt.Errorf("sqlite create %s/%s: %w: %w", collection, id, models.ErrExternalService, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, models.ErrAlreadyExists)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("sqlite delete %s/%s: %w: %w", collection, id, models.ErrExternalService, err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, collection string, filter Filter) ([][]byte, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var (
		q    strings.Builder
		args = []any{collection}
	)
	q.WriteString(`SELECT body FROM documents WHERE collection = ?`)
	for _, k := range filter.keys() {
		q.WriteString(` AND json_type(body, ?) = 'text' AND json_extract(body, ?) = ?`)
		path := "$." + k
		args = append(args, path, path, filter[k])
	}
	q.WriteString(` ORDER BY id`)

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		slog.Error("SQLiteStore.Query failed", "collection", collection, "error", err)
		return nil, fmt.Errorf("sqlite query %s: %w: %w", collection, models.ErrExternalService, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite scan %s: %w", collection, err)
		}
		out = append(out, []byte(body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite iterate %s: %w", collection, err)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
