package realtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// durable client storage, shared by every process on the same profile directory.
// holds the websocket correlation token and the cached session id so that a
// restarted process reconnects as the same client.

const uniqueIdKey = "websocket_token"
const sessionIdKey = "session_id"

type ClientStore struct {
	db *sql.DB
}

func OpenClientStore(ctx context.Context, path string) (*ClientStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod store path: %w", err)
	}
	_, err = db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS client_state(
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)
`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &ClientStore{db: db}, nil
}

func (self *ClientStore) Close() error {
	if self == nil || self.db == nil {
		return nil
	}
	return self.db.Close()
}

func (self *ClientStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := self.db.QueryRowContext(
		ctx,
		`SELECT value FROM client_state WHERE key = ?`,
		key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (self *ClientStore) Put(ctx context.Context, key string, value string) error {
	_, err := self.db.ExecContext(ctx, `
INSERT INTO client_state(key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value=excluded.value,
	updated_at=excluded.updated_at
`, key, value, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// UniqueId returns the persisted correlation id, creating and persisting a new
// one exactly once if absent. The id is stable across reconnects and restarts.
func (self *ClientStore) UniqueId(ctx context.Context) (string, error) {
	uniqueId, ok, err := self.Get(ctx, uniqueIdKey)
	if err != nil {
		return "", err
	}
	if ok {
		return uniqueId, nil
	}
	uniqueId = NewUniqueId()
	if err := self.Put(ctx, uniqueIdKey, uniqueId); err != nil {
		return "", err
	}
	return uniqueId, nil
}

func (self *ClientStore) SessionId(ctx context.Context) (string, bool, error) {
	return self.Get(ctx, sessionIdKey)
}

func (self *ClientStore) SetSessionId(ctx context.Context, sessionId string) error {
	return self.Put(ctx, sessionIdKey, sessionId)
}
