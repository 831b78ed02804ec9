package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/go-tick/caretaker/internal/model"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrUnsupportedBackend = errors.New("unsupported state backend")
)

// UpdateFunc computes the next value of a record from its current one.
// Returning a nil value deletes the record.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Repository is a key-value store with atomic single-key read-modify-write.
type Repository interface {
	Get(ctx context.Context, key string) (model.Record, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, limit, offset int) ([]model.Record, error)
	Ping(ctx context.Context) error
}

type Connection interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

type transactionalConnection interface {
	Connection
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	PingContext(ctx context.Context) error
}

type repository struct {
	db        transactionalConnection
	forUpdate bool
	now       func() time.Time
}

const (
	selectRecord = `SELECT state_key, state_value, updated_at FROM caretaker_state WHERE state_key = ?`
	selectValue  = `SELECT state_value FROM caretaker_state WHERE state_key = ?`
	upsertRecord = `INSERT INTO caretaker_state (state_key, state_value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (state_key) DO UPDATE SET state_value = excluded.state_value, updated_at = excluded.updated_at`
	deleteRecord = `DELETE FROM caretaker_state WHERE state_key = ?`
	listRecords  = `SELECT state_key, state_value, updated_at FROM caretaker_state
WHERE substr(state_key, 1, ?) = ? ORDER BY state_key LIMIT ? OFFSET ?`
)

func (r *repository) Get(ctx context.Context, key string) (model.Record, error) {
	var rec model.Record
	err := r.db.GetContext(ctx, &rec, r.db.Rebind(selectRecord), key)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return rec, err
}

func (r *repository) Update(ctx context.Context, key string, fn UpdateFunc) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, ignoreTxDone(tx.Rollback()))
		}
	}()

	query := selectValue
	if r.forUpdate {
		query += " FOR UPDATE"
	}

	var current []byte
	exists := true
	if err = tx.GetContext(ctx, &current, tx.Rebind(query), key); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		exists = false
	}

	next, err := fn(current, exists)
	if err != nil {
		return err
	}

	switch {
	case next != nil:
		_, err = tx.ExecContext(ctx, tx.Rebind(upsertRecord), key, next, r.now().UnixNano())
	case exists:
		_, err = tx.ExecContext(ctx, tx.Rebind(deleteRecord), key)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *repository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(deleteRecord), key)
	return err
}

func (r *repository) List(ctx context.Context, prefix string, limit, offset int) ([]model.Record, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	if offset < 0 {
		offset = 0
	}

	records := make([]model.Record, 0)
	err := r.db.SelectContext(
		ctx,
		&records,
		r.db.Rebind(listRecords),
		utf8.RuneCountInString(prefix),
		prefix,
		limit,
		offset,
	)

	return records, err
}

func (r *repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func ignoreTxDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

var _ Repository = (*repository)(nil)
