// Package db opens the registry database kept in a workspace's state
// directory.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	StateDir   = ".fedhost"
	RegistryDB = "registry.db"

	defaultBusyTimeout = 5 * time.Second
)

type Config struct {
	Workspace string
	// File overrides the database location inside the state directory.
	File        string
	BusyTimeout time.Duration
}

func (c Config) path() string {
	if c.File != "" {
		return c.File
	}
	return Path(c.Workspace)
}

func (c Config) dsn() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		c.path(), busy.Milliseconds())
}

// EnsureWorkspace creates the state directory and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(orDot(workspace), StateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Open opens and pings the registry database. Writers are serialized on one
// connection; concurrent heartbeats queue instead of failing with
// SQLITE_BUSY.
func Open(cfg Config) (*sql.DB, error) {
	if cfg.File == "" {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.path(), err)
	}
	return conn, nil
}

// Path is the registry database file of a workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), StateDir, RegistryDB)
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
