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

package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskmesh/core/pkg/resources"
)

// Store is an optional durable backing store for health history. It is
// reporting-only: the resource manager's live reservation table is never
// persisted here, only the derived samples this package already keeps in
// memory. Losing the store file loses history, never correctness.
type Store struct {
	db *sql.DB
}

// StoreConfig configures the optional SQLite-backed history store.
type StoreConfig struct {
	// Path is the database file path, or ":memory:" for a process-local
	// store that does not survive restart.
	Path string
}

// OpenStore opens (creating if necessary) a SQLite-backed history store.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("monitor: store path is required")
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("monitor: open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("monitor: ping store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS health_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		snapshot TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("monitor: migrate: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_health_samples_taken_at ON health_samples(taken_at)`)
	if err != nil {
		return fmt.Errorf("monitor: migrate index: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists a single sample. Errors are the caller's to log; the
// in-memory ring in Monitor remains the source of truth for Latest/History.
func (s *Store) Append(ctx context.Context, sample Sample) error {
	payload, err := json.Marshal(sample.Snapshot)
	if err != nil {
		return fmt.Errorf("monitor: marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO health_samples (taken_at, status, snapshot) VALUES (?, ?, ?)`,
		sample.Timestamp.UnixNano(), string(sample.Status), string(payload))
	if err != nil {
		return fmt.Errorf("monitor: append sample: %w", err)
	}
	return nil
}

// QuerySince returns every persisted sample taken at or after t, oldest
// first. Used to answer "history since t" queries that outlive the
// in-memory ring's 1000-entry bound.
func (s *Store) QuerySince(ctx context.Context, t time.Time) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT taken_at, status, snapshot FROM health_samples WHERE taken_at >= ? ORDER BY taken_at ASC`,
		t.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("monitor: query since: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var takenAt int64
		var status string
		var snapJSON string
		if err := rows.Scan(&takenAt, &status, &snapJSON); err != nil {
			return nil, fmt.Errorf("monitor: scan sample: %w", err)
		}
		var snap resources.Snapshot
		if err := json.Unmarshal([]byte(snapJSON), &snap); err != nil {
			return nil, fmt.Errorf("monitor: unmarshal snapshot: %w", err)
		}
		out = append(out, Sample{
			Timestamp: time.Unix(0, takenAt),
			Status:    Status(status),
			Snapshot:  snap,
		})
	}
	return out, rows.Err()
}

// Prune deletes samples older than before, bounding file growth for
// long-running deployments.
func (s *Store) Prune(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM health_samples WHERE taken_at < ?`, before.UnixNano())
	if err != nil {
		return fmt.Errorf("monitor: prune: %w", err)
	}
	return nil
}
