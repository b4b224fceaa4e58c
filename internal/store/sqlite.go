package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	keyReady   = "ready"
	keyNames   = "names"
	keyPending = "pending"
)

// SQLiteBackend keeps State in a single key/value table.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context) (State, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM kv`)
	if err != nil {
		return State{}, fmt.Errorf("query state: %w", err)
	}
	defer rows.Close()

	st := emptyState()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return State{}, fmt.Errorf("scan state: %w", err)
		}
		var target any
		switch key {
		case keyReady:
			target = &st.Ready
		case keyNames:
			target = &st.Names
		case keyPending:
			target = &st.Pending
		default:
			continue
		}
		if err := json.Unmarshal([]byte(value), target); err != nil {
			return State{}, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	if err := rows.Err(); err != nil {
		return State{}, fmt.Errorf("iterate state: %w", err)
	}
	return st.normalize(), nil
}

func (b *SQLiteBackend) Save(ctx context.Context, st State) error {
	st = st.normalize()
	values := map[string]any{
		keyReady: st.Ready,
		keyNames: st.Names,
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for key, v := range values {
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO kv(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, string(encoded)); err != nil {
			return fmt.Errorf("upsert %s: %w", key, err)
		}
	}

	if st.Pending == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, keyPending); err != nil {
			return fmt.Errorf("clear pending: %w", err)
		}
	} else {
		encoded, err := json.Marshal(st.Pending)
		if err != nil {
			return fmt.Errorf("encode pending: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO kv(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, keyPending, string(encoded)); err != nil {
			return fmt.Errorf("upsert pending: %w", err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
