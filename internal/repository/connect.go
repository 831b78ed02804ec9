package repository

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqliteSchema = `CREATE TABLE IF NOT EXISTS caretaker_state (
	state_key   TEXT PRIMARY KEY,
	state_value BLOB NOT NULL,
	updated_at  INTEGER NOT NULL
)`
	postgresSchema = `CREATE TABLE IF NOT EXISTS caretaker_state (
	state_key   TEXT PRIMARY KEY,
	state_value BYTEA NOT NULL,
	updated_at  BIGINT NOT NULL
)`
)

// Open picks a backend from the URL scheme: sqlite://<path>,
// postgres://..., redis://... A bare path is treated as a SQLite file.
func Open(ctx context.Context, dsn string) (Repository, func() error, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return NewSQLiteRepository(ctx, dsn)
	}

	switch scheme {
	case "sqlite", "file":
		return NewSQLiteRepository(ctx, rest)
	case "postgres", "postgresql":
		return NewPostgresRepository(ctx, dsn)
	case "redis", "rediss":
		return NewRedisRepository(ctx, dsn)
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, scheme)
	}
}

// NewSQLiteRepository opens (creating if needed) a local state file.
func NewSQLiteRepository(ctx context.Context, path string) (Repository, func() error, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")

	db, err := sqlx.ConnectContext(ctx, "sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)

	return newSQLRepository(ctx, db, sqliteSchema, false)
}

func NewPostgresRepository(ctx context.Context, conn string) (Repository, func() error, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", conn)
	if err != nil {
		return nil, nil, err
	}

	return newSQLRepository(ctx, db, postgresSchema, true)
}

func newSQLRepository(ctx context.Context, db *sqlx.DB, schema string, forUpdate bool) (Repository, func() error, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		err1 := db.Close()
		return nil, nil, errors.Join(err, err1)
	}

	return &repository{db: db, forUpdate: forUpdate, now: time.Now}, db.Close, nil
}
