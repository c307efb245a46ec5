// Copyright 2025 ScanGate Authors
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

package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

const schema = `
CREATE TABLE IF NOT EXISTS security_events (
    id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    kind TEXT NOT NULL,
    path TEXT NOT NULL,
    signature TEXT,
    detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_security_events_created_at
    ON security_events (created_at DESC);
`

// Store is the security event journal. Safe for concurrent use; SQLite
// serializes the writes.
type Store struct {
	sqlDB *sql.DB
	db    *bun.DB
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	return rows.Close()
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Store, error) {
	sqlDB, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open events database: %w", err)
	}

	// libsql ignores DSN-based _pragma=value parameters, so PRAGMAs are
	// set explicitly. busy_timeout first so journal_mode waits for locks.
	if err := execPragma(sqlDB, "PRAGMA busy_timeout = 5000"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(sqlDB, "PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create events schema: %w", err)
	}

	return &Store{
		sqlDB: sqlDB,
		db:    bun.NewDB(sqlDB, sqlitedialect.New()),
	}, nil
}

// Record appends one event. Journal failures are logged, not propagated:
// a full event disk must never turn into an access decision.
func (s *Store) Record(ctx context.Context, kind Kind, path, signature, detail string) {
	model := &EventModel{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UnixNano(),
		Kind:      string(kind),
		Path:      path,
		Signature: signature,
		Detail:    detail,
	}
	if _, err := s.db.NewInsert().Model(model).Exec(ctx); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"kind": kind,
			"path": path,
		}).Error("failed to journal security event")
	}
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []EventModel
	err := s.db.NewSelect().
		Model(&models).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	out := make([]Event, len(models))
	for i := range models {
		out[i] = models[i].toEvent()
	}
	return out, nil
}

// CountByKind returns the number of stored events of the given kind.
func (s *Store) CountByKind(ctx context.Context, kind Kind) (int, error) {
	return s.db.NewSelect().
		Model((*EventModel)(nil)).
		Where("kind = ?", string(kind)).
		Count(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}
