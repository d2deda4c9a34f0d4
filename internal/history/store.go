// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/warden/internal/client"
	wardenerrors "github.com/tombee/warden/pkg/errors"
)

// DefaultMaxEntries caps retained invocations when not configured.
const DefaultMaxEntries = 1000

// Invocation is one recorded tool invocation.
type Invocation struct {
	RequestID string
	Tool      string
	Status    int
	Duration  time.Duration
	Error     string
	CreatedAt time.Time
}

// Succeeded reports whether the invocation completed with a 2xx status.
func (i Invocation) Succeeded() bool {
	return i.Error == "" && i.Status >= 200 && i.Status < 300
}

// Store persists invocation records in SQLite. It implements
// client.Recorder so the forwarder can record outcomes directly.
//
// WAL mode is enabled so recording never blocks concurrent reads from
// `warden history`.
type Store struct {
	db         *sql.DB
	maxEntries int
}

// Config contains configuration for the history store.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	Path string

	// MaxEntries caps retained invocations; older rows are pruned on
	// insert. Zero or negative disables pruning.
	MaxEntries int
}

// NewStore opens (creating if needed) the history database and runs
// migrations.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite with WAL mode handles multiple concurrent readers
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{
		db:         db,
		maxEntries: cfg.MaxEntries,
	}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS invocations (
			request_id TEXT PRIMARY KEY,
			tool TEXT NOT NULL,
			status INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE INDEX IF NOT EXISTS idx_invocations_created_at
			ON invocations(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_tool
			ON invocations(tool)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// RecordInvocation stores one invocation outcome. Implements client.Recorder.
func (s *Store) RecordInvocation(ctx context.Context, rec client.InvocationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (request_id, tool, status, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Tool, rec.Status, rec.Duration.Milliseconds(), rec.Error,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record invocation: %w", err)
	}

	return s.prune(ctx)
}

// prune drops the oldest rows beyond the retention cap.
func (s *Store) prune(ctx context.Context) error {
	if s.maxEntries <= 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM invocations WHERE request_id NOT IN (
			SELECT request_id FROM invocations
			ORDER BY created_at DESC, request_id DESC
			LIMIT ?
		)`,
		s.maxEntries,
	)
	if err != nil {
		return fmt.Errorf("failed to prune invocations: %w", err)
	}

	return nil
}

// List returns the most recent invocations, newest first. A limit of
// zero or less returns up to DefaultMaxEntries rows.
func (s *Store) List(ctx context.Context, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = DefaultMaxEntries
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, tool, status, duration_ms, error, created_at
		 FROM invocations
		 ORDER BY created_at DESC, request_id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list invocations: %w", err)
	}
	defer rows.Close()

	var invocations []Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		invocations = append(invocations, inv)
	}

	return invocations, rows.Err()
}

// Get returns one invocation by request ID. A unique prefix of the ID
// is accepted, so `warden history show 3f2a` works like short hashes.
func (s *Store) Get(ctx context.Context, requestID string) (Invocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, tool, status, duration_ms, error, created_at
		 FROM invocations
		 WHERE request_id LIKE ? || '%'
		 LIMIT 2`,
		requestID,
	)
	if err != nil {
		return Invocation{}, fmt.Errorf("failed to query invocation: %w", err)
	}
	defer rows.Close()

	var matches []Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return Invocation{}, err
		}
		matches = append(matches, inv)
	}
	if err := rows.Err(); err != nil {
		return Invocation{}, err
	}

	switch len(matches) {
	case 0:
		return Invocation{}, &wardenerrors.NotFoundError{Resource: "invocation", ID: requestID}
	case 1:
		return matches[0], nil
	default:
		return Invocation{}, fmt.Errorf("ambiguous request id prefix %q", requestID)
	}
}

// scanInvocation reads one row into an Invocation.
func scanInvocation(rows *sql.Rows) (Invocation, error) {
	var inv Invocation
	var durationMS int64
	var createdAt string

	if err := rows.Scan(&inv.RequestID, &inv.Tool, &inv.Status, &durationMS, &inv.Error, &createdAt); err != nil {
		return Invocation{}, fmt.Errorf("failed to scan invocation: %w", err)
	}

	inv.Duration = time.Duration(durationMS) * time.Millisecond
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		inv.CreatedAt = t
	}

	return inv, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
