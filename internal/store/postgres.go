package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/CarePipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore keeps documents as JSONB rows.
type PostgresStore struct {
	db *sql.DB
}

var _ DocumentStore = (*PostgresStore)(nil)

// NewPostgresStore connects to PostgreSQL and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = $1 AND id = $2`, collection, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, models.ErrNotFound)
	}
	if err != nil {
		slog.Error("PostgresStore.Get failed", "collection", collection, "id", id, "error", err)
		return nil, fmt.Errorf("postgres get %s/%s: %w: %w", collection, id, models.ErrExternalService, err)
	}
	return body, nil
}

func (s *PostgresStore) Put(ctx context.Context, collection, id string, doc []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, updated_at) VALUES ($1, $2, $3::jsonb, NOW())
		 ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		collection, id, string(doc),
	)
	if err != nil {
		slog.Error("PostgresStore.Put failed", "collection", collection, "id", id, "error", err)
		return fmt.Errorf("postgres put %s/%s: %w: %w", collection, id, models.ErrExternalService, err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, collection, id string, doc []byte) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, updated_at) VALUES ($1, $2, $3::jsonb, NOW())
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, string(doc),
	)
	if err != nil {
		slog.Error("PostgresStore.Create failed", "collection", collection, "id", id, "error", err)
		return fmt.Errorf("postgres create %s/%s: %w: %w", collection, id, models.ErrExternalService, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, models.ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return fmt.Errorf("postgres delete %s/%s: %w: %w", collection, id, models.ErrExternalService, err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, collection string, filter Filter) ([][]byte, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var (
		q    strings.Builder
		args = []any{collection}
	)
	q.WriteString(`SELECT body FROM documents WHERE collection = $1`)
	for _, k := range filter.keys() {
		path := "{" + strings.ReplaceAll(k, ".", ",") + "}"
		args = append(args, path, filter[k])
		p, v := strconv.Itoa(len(args)-1), strconv.Itoa(len(args))
		q.WriteString(` AND jsonb_typeof(body #> $` + p + `::text[]) = 'string' AND body #>> $` + p + `::text[] = $` + v)
	}
	q.WriteString(` ORDER BY id`)

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		slog.Error("PostgresStore.Query failed", "collection", collection, "error", err)
		return nil, fmt.Errorf("postgres query %s: %w: %w", collection, models.ErrExternalService, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres scan %s: %w", collection, err)
		}
		out = append(out, body)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres iterate %s: %w", collection, err)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
