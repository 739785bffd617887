// Copyright 2024 The hpfeeds-go Authors
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


package connector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
)

// DefaultTable receives events when the SQL sink names no table.
const DefaultTable = "events"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type sqlDialect struct {
	schema string
	insert string
}

// Table names are validated against tableName before being formatted in.
var sqlDialects = map[string]sqlDialect{
	TypePostgres: {
		schema: `CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	channel TEXT NOT NULL,
	ident TEXT NOT NULL,
	payload BYTEA
)`,
		insert: `INSERT INTO %s (ts, channel, ident, payload) VALUES ($1, $2, $3, $4)`,
	},
	TypeMySQL: {
		schema: `CREATE TABLE IF NOT EXISTS %s (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	ts DATETIME(6) NOT NULL,
	channel VARCHAR(255) NOT NULL,
	ident VARCHAR(255) NOT NULL,
	payload LONGBLOB
)`,
		insert: `INSERT INTO %s (ts, channel, ident, payload) VALUES (?, ?, ?, ?)`,
	},
}

// SQLSink inserts events into a PostgreSQL or MySQL table, one transaction
// per batch.
type SQLSink struct {
	*baseSink
	db     *sql.DB
	schema string
	insert string
}

// NewSQLSink opens cfg.DSN with cfg.Driver and creates the table if needed.
func NewSQLSink(ctx context.Context, cfg Config) (*SQLSink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: sql sink needs a dsn", ErrSinkConfiguration)
	}
	if _, ok := sqlDialects[cfg.Driver]; !ok {
		return nil, fmt.Errorf("%w: sql driver %q", ErrSinkConfiguration, cfg.Driver)
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Driver, err)
	}
	s, err := NewSQLSinkWithDB(db, cfg.Driver, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()
	if err := db.PingContext(initCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	if err := s.EnsureTable(initCtx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLSinkWithDB uses an open database handle.
func NewSQLSinkWithDB(db *sql.DB, driver, table string) (*SQLSink, error) {
	d, ok := sqlDialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: sql driver %q", ErrSinkConfiguration, driver)
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("%w: table name %q", ErrSinkConfiguration, table)
	}
	return &SQLSink{
		baseSink: newBaseSink(driver),
		db:       db,
		schema:   fmt.Sprintf(d.schema, table),
		insert:   fmt.Sprintf(d.insert, table),
	}, nil
}

// EnsureTable creates the events table.
func (s *SQLSink) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.schema); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	return nil
}

// Write inserts the batch in one transaction.
func (s *SQLSink) Write(ctx context.Context, events []Event) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	return s.record(len(events), s.insertBatch(ctx, events))
}

func (s *SQLSink) insertBatch(ctx context.Context, events []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, s.insert)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.Timestamp.UTC(), e.Channel, e.Ident, e.Payload); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLSink) Close() error {
	if !s.markClosed() {
		return nil
	}
	return s.db.Close()
}
