// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KennyJian/red-book/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "author_records"

// Config controls the Postgres connection pool used for author records.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RecordStore keeps one JSONB row per author.
type RecordStore struct {
	pool  querier
	table string
}

// NewRecordStore connects to Postgres and ensures the table exists.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &RecordStore{pool: pool, table: table}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool querier, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Table reports the backing table name.
func (s *RecordStore) Table() string {
	return s.table
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the records table when missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	user_id TEXT PRIMARY KEY,
	crawl_time TIMESTAMPTZ NOT NULL,
	record JSONB NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Get loads the record for userID.
func (s *RecordStore) Get(ctx context.Context, userID string) (harvest.AuthorRecord, bool, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE user_id = $1`, s.table)
	var raw []byte
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.AuthorRecord{}, false, nil
		}
		return harvest.AuthorRecord{}, false, fmt.Errorf("select record %s: %w", userID, err)
	}
	var rec harvest.AuthorRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return harvest.AuthorRecord{}, false, fmt.Errorf("decode record %s: %w", userID, err)
	}
	return rec, true, nil
}

// Put upserts record.
func (s *RecordStore) Put(ctx context.Context, record harvest.AuthorRecord) error {
	if record.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if record.Comments == nil {
		record.Comments = []harvest.CommentEntry{}
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", record.UserID, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (user_id, crawl_time, record)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE
SET crawl_time = EXCLUDED.crawl_time, record = EXCLUDED.record`, s.table)
	if _, err := s.pool.Exec(ctx, query, record.UserID, record.CrawlTime, raw); err != nil {
		return fmt.Errorf("upsert record %s: %w", record.UserID, err)
	}
	return nil
}

// List returns every record, most recently crawled first.
func (s *RecordStore) List(ctx context.Context) ([]harvest.AuthorRecord, error) {
	query := fmt.Sprintf(`SELECT record FROM %s ORDER BY crawl_time DESC, user_id ASC`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []harvest.AuthorRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec harvest.AuthorRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *RecordStore) Count(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)
	var n int64
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return int(n), nil
}
