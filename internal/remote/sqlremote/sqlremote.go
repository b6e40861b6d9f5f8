// Package sqlremote is a remote.Backend persisted in a SQLite file.
//
// It behaves like memremote without the fault injection: integer
// identifiers are assigned on insert, updates merge, deleting a missing
// row is a no-op, and committed writes are delivered to change-feed
// subscribers after the transaction commits. Queries are compiled by
// querysql, so filtering and ordering happen in SQL.
package sqlremote

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/offsync/internal/querysql"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
)

//go:embed schema.sql
var schemaSQL string

// Backend is a SQLite-backed remote.Backend.
type Backend struct {
	db      *sql.DB
	idField string
	logger  *slog.Logger

	// mu serialises writes so events go out in commit order, and guards
	// the subscriber table.
	mu      sync.Mutex
	subs    map[string]map[int]remote.Handler
	nextSub int
}

// Option configures a Backend.
type Option func(*Backend)

// WithIDField sets the identifier field. Defaults to record.DefaultIDField.
func WithIDField(field string) Option {
	return func(b *Backend) {
		b.idField = field
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// Open creates or opens the database at path.
func Open(path string, opts ...Option) (*Backend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	b := &Backend{
		db:      db,
		idField: record.DefaultIDField,
		logger:  slog.Default(),
		subs:    make(map[string]map[int]remote.Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Seed stores rows without emitting feed events. Rows without an
// identifier get the next one; rows whose identifier already exists are
// skipped, so seeding a reopened database is harmless.
func (b *Backend) Seed(ctx context.Context, resource string, rows ...record.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			row := r.Clone()
			id, ok := record.IDOf(row, b.idField)
			if !ok {
				n, err := nextID(ctx, tx, resource)
				if err != nil {
					return err
				}
				row[b.idField] = n
				id = record.ID(strconv.FormatInt(n, 10))
			} else if n, err := strconv.ParseInt(string(id), 10, 64); err == nil {
				if err := bumpCounter(ctx, tx, resource, n); err != nil {
					return err
				}
			}

			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO records (resource, id, data) VALUES (?, ?, ?)`,
				resource, string(id), string(data)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Query returns the resource's rows shaped by q.
func (b *Backend) Query(ctx context.Context, resource string, q record.Query) (record.Snapshot, error) {
	stmt, params, err := querysql.Default.Select(resource, q)
	if err != nil {
		return nil, remote.Rejected(resource, "query", err)
	}

	rows, err := b.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, storageErr(resource, "query", err)
	}
	defer rows.Close()

	out := record.Snapshot{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storageErr(resource, "query", err)
		}
		r, err := record.Decode([]byte(data))
		if err != nil {
			return nil, storageErr(resource, "query", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(resource, "query", err)
	}
	return out, nil
}

// Insert stores payload under a new server-assigned identifier.
func (b *Backend) Insert(ctx context.Context, resource string, payload record.Record) (record.Record, error) {
	b.mu.Lock()
	var row record.Record
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		n, err := nextID(ctx, tx, resource)
		if err != nil {
			return err
		}
		row = payload.Without(b.idField)
		row[b.idField] = n

		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO records (resource, id, data) VALUES (?, ?, ?)`,
			resource, strconv.FormatInt(n, 10), string(data))
		return err
	})
	b.mu.Unlock()
	if err != nil {
		return nil, storageErr(resource, "insert", err)
	}

	b.deliver(remote.Event{Resource: resource, Op: remote.OpInsert, Record: row.Clone()})
	return row, nil
}

// Update merges payload into the row with id. A missing row is rejected.
func (b *Backend) Update(ctx context.Context, resource string, id record.ID, payload record.Record) (record.Record, error) {
	b.mu.Lock()
	var prev, row record.Record
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		prev, err = load(ctx, tx, resource, id)
		if err != nil || prev == nil {
			return err
		}
		row = prev.Merge(payload.Without(b.idField))

		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE records SET data = ? WHERE resource = ? AND id = ?`,
			string(data), resource, string(id))
		return err
	})
	b.mu.Unlock()
	if err != nil {
		return nil, storageErr(resource, "update", err)
	}
	if prev == nil {
		return nil, &remote.Error{Code: remote.CodeRejected, Resource: resource, Op: "update", Status: 404,
			Err: fmt.Errorf("no row with %s=%s", b.idField, id)}
	}

	b.deliver(remote.Event{Resource: resource, Op: remote.OpUpdate, Record: row.Clone(), Previous: prev})
	return row, nil
}

// Delete removes the row with id. Deleting a missing row succeeds without
// emitting an event.
func (b *Backend) Delete(ctx context.Context, resource string, id record.ID) error {
	b.mu.Lock()
	var prev record.Record
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		prev, err = load(ctx, tx, resource, id)
		if err != nil || prev == nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE resource = ? AND id = ?`, resource, string(id))
		return err
	})
	b.mu.Unlock()
	if err != nil {
		return storageErr(resource, "delete", err)
	}
	if prev != nil {
		b.deliver(remote.Event{Resource: resource, Op: remote.OpDelete, Previous: prev})
	}
	return nil
}

// Subscribe registers handler for the resource's change feed.
func (b *Backend) Subscribe(_ context.Context, resource string, handler remote.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[resource] == nil {
		b.subs[resource] = make(map[int]remote.Handler)
	}
	id := b.nextSub
	b.nextSub++
	b.subs[resource][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[resource], id)
		})
	}, nil
}

func (b *Backend) deliver(ev remote.Event) {
	b.mu.Lock()
	handlers := make([]remote.Handler, 0, len(b.subs[ev.Resource]))
	for _, h := range b.subs[ev.Resource] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// withTx runs fn in a transaction, committing on success.
func (b *Backend) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			b.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// load returns the row with id, or nil when there is none.
func load(ctx context.Context, tx *sql.Tx, resource string, id record.ID) (record.Record, error) {
	var data string
	err := tx.QueryRowContext(ctx, `SELECT data FROM records WHERE resource = ? AND id = ?`,
		resource, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record.Decode([]byte(data))
}

func nextID(ctx context.Context, tx *sql.Tx, resource string) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO counters (resource, last) VALUES (?, 1)
		ON CONFLICT(resource) DO UPDATE SET last = last + 1
		RETURNING last
	`, resource).Scan(&n)
	return n, err
}

func bumpCounter(ctx context.Context, tx *sql.Tx, resource string, n int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO counters (resource, last) VALUES (?, ?)
		ON CONFLICT(resource) DO UPDATE SET last = MAX(last, excluded.last)
	`, resource, n)
	return err
}

// storageErr wraps a database failure. It carries no remote.Error code,
// so the HTTP handler answers 500 and clients treat it as transient.
func storageErr(resource, op string, err error) error {
	return fmt.Errorf("sqlremote: %s %s: %w", op, resource, err)
}
