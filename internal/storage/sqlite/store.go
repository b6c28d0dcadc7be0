package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/russross/meddler"

	"raffleBridge/internal/storage"
)

func init() {
	meddler.Default = meddler.SQLite
}

var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "kv0001",
			Up: []string{`
				CREATE TABLE kv_record (
					key        TEXT PRIMARY KEY,
					value      TEXT NOT NULL,
					updated_at INTEGER NOT NULL
				);`},
			Down: []string{`DROP TABLE IF EXISTS kv_record;`},
		},
	},
}

type record struct {
	Key       string `meddler:"key"`
	Value     string `meddler:"value"`
	UpdatedAt int64  `meddler:"updated_at"`
}

// Store is a SQLite-backed storage.KV for single-host deployments.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the database at path and runs pending migrations.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		pragma journal_mode = WAL;
		pragma synchronous = normal;
		pragma journal_size_limit  = 6144000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := migrate.Exec(db, "sqlite3", migrations, migrate.Up); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var rec record
	err := meddler.QueryRow(s.db, &rec, `SELECT * FROM kv_record WHERE key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return []byte(rec.Value), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_record (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(value), s.now().Unix())
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_record WHERE key = $1`, key)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.KV = (*Store)(nil)
