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

package credentials

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

// SQLiteBackend stores payloads in a SQLite table keyed by
// (principal, service, app). Every query filters on the full key.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend wraps an open database. The schema must already exist;
// OpenSQLite creates it.
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

// OpenSQLite opens or creates the database at path and runs migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL lets readers proceed while a refresh writes.
	connStr := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := NewSQLiteBackend(db)
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to restrict database permissions: %w", err)
	}
	return b, nil
}

func (s *SQLiteBackend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			principal TEXT NOT NULL,
			service TEXT NOT NULL,
			app TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (principal, service, app)
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Name implements Backend.
func (s *SQLiteBackend) Name() string { return "sqlite" }

// Get implements Backend.
func (s *SQLiteBackend) Get(ctx context.Context, key Key) ([]byte, error) {
	query := `SELECT payload FROM credentials WHERE principal = ? AND service = ? AND app = ?`

	var p []byte
	err := s.db.QueryRowContext(ctx, query, key.Principal, key.Service, key.App).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return p, nil
}

// Put implements Backend.
func (s *SQLiteBackend) Put(ctx context.Context, key Key, payload []byte) error {
	query := `INSERT INTO credentials (principal, service, app, payload, updated_at)
	          VALUES (?, ?, ?, ?, ?)
	          ON CONFLICT (principal, service, app)
	          DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		key.Principal,
		key.Service,
		key.App,
		payload,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (s *SQLiteBackend) Delete(ctx context.Context, key Key) error {
	query := `DELETE FROM credentials WHERE principal = ? AND service = ? AND app = ?`

	if _, err := s.db.ExecContext(ctx, query, key.Principal, key.Service, key.App); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// List implements Lister.
func (s *SQLiteBackend) List(ctx context.Context, principal string) ([]Key, error) {
	query := `SELECT service, app FROM credentials WHERE principal = ? ORDER BY service, app`

	rows, err := s.db.QueryContext(ctx, query, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		k := Key{Principal: principal}
		if err := rows.Scan(&k.Service, &k.App); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return keys, nil
}

// Close implements Backend.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
