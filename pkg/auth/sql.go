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


package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

type dialect struct {
	schema      []string
	findSecret  string
	findPerms   string
	upsertUser  string
	upsertPerm  string
	deletePerms string
	deleteUser  string
	listUsers   string
	listPerms   string
}

var dialects = map[string]dialect{
	DriverPostgres: {
		schema: []string{
			`CREATE TABLE IF NOT EXISTS users (ident TEXT PRIMARY KEY, secret TEXT NOT NULL)`,
			`CREATE TABLE IF NOT EXISTS permissions (ident TEXT NOT NULL REFERENCES users(ident) ON DELETE CASCADE, channel TEXT NOT NULL, can_pub BOOLEAN NOT NULL DEFAULT FALSE, can_sub BOOLEAN NOT NULL DEFAULT FALSE, PRIMARY KEY (ident, channel))`,
		},
		findSecret:  `SELECT secret FROM users WHERE ident = $1`,
		findPerms:   `SELECT channel, can_pub, can_sub FROM permissions WHERE ident = $1`,
		upsertUser:  `INSERT INTO users (ident, secret) VALUES ($1, $2) ON CONFLICT (ident) DO UPDATE SET secret = EXCLUDED.secret`,
		upsertPerm:  `INSERT INTO permissions (ident, channel, can_pub, can_sub) VALUES ($1, $2, $3, $4) ON CONFLICT (ident, channel) DO UPDATE SET can_pub = permissions.can_pub OR EXCLUDED.can_pub, can_sub = permissions.can_sub OR EXCLUDED.can_sub`,
		deletePerms: `DELETE FROM permissions WHERE ident = $1`,
		deleteUser:  `DELETE FROM users WHERE ident = $1`,
		listUsers:   `SELECT ident, secret FROM users ORDER BY ident`,
		listPerms:   `SELECT ident, channel, can_pub, can_sub FROM permissions ORDER BY ident, channel`,
	},
	DriverMySQL: {
		schema: []string{
			`CREATE TABLE IF NOT EXISTS users (ident VARCHAR(255) PRIMARY KEY, secret VARCHAR(255) NOT NULL)`,
			`CREATE TABLE IF NOT EXISTS permissions (ident VARCHAR(255) NOT NULL, channel VARCHAR(255) NOT NULL, can_pub BOOLEAN NOT NULL DEFAULT FALSE, can_sub BOOLEAN NOT NULL DEFAULT FALSE, PRIMARY KEY (ident, channel), FOREIGN KEY (ident) REFERENCES users(ident) ON DELETE CASCADE)`,
		},
		findSecret:  `SELECT secret FROM users WHERE ident = ?`,
		findPerms:   `SELECT channel, can_pub, can_sub FROM permissions WHERE ident = ?`,
		upsertUser:  `INSERT INTO users (ident, secret) VALUES (?, ?) ON DUPLICATE KEY UPDATE secret = VALUES(secret)`,
		upsertPerm:  `INSERT INTO permissions (ident, channel, can_pub, can_sub) VALUES (?, ?, ?, ?) ON DUPLICATE KEY UPDATE can_pub = can_pub OR VALUES(can_pub), can_sub = can_sub OR VALUES(can_sub)`,
		deletePerms: `DELETE FROM permissions WHERE ident = ?`,
		deleteUser:  `DELETE FROM users WHERE ident = ?`,
		listUsers:   `SELECT ident, secret FROM users ORDER BY ident`,
		listPerms:   `SELECT ident, channel, can_pub, can_sub FROM permissions ORDER BY ident, channel`,
	},
}

// SQLStore reads identities from the users and permissions tables of a
// PostgreSQL or MySQL database. A permissions row with channel "*" grants the
// wildcard.
type SQLStore struct {
	db      *sql.DB
	driver  string
	dialect dialect
}

// NewSQLStore opens dsn with driver, checks connectivity and creates the
// tables if needed.
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if _, ok := dialects[driver]; !ok {
		return nil, fmt.Errorf("unsupported SQL driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	s, err := NewSQLStoreWithDB(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStoreWithDB wraps an existing database handle.
func NewSQLStoreWithDB(db *sql.DB, driver string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported SQL driver %q", driver)
	}
	return &SQLStore{db: db, driver: driver, dialect: d}, nil
}

func (s *SQLStore) Name() string {
	return "sql/" + s.driver
}

// EnsureSchema creates the users and permissions tables when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) FindIdentity(ctx context.Context, ident string) (*Identity, error) {
	var secret string
	err := s.db.QueryRowContext(ctx, s.dialect.findSecret, ident).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.findPerms, ident)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	id := &Identity{Ident: ident, Secret: secret}
	for rows.Next() {
		var (
			channel        string
			canPub, canSub bool
		)
		if err := rows.Scan(&channel, &canPub, &canSub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if canPub {
			id.ACL.Publish.add(channel)
		}
		if canSub {
			id.ACL.Subscribe.add(channel)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return id, nil
}

func (s *SQLStore) AddUser(ctx context.Context, ident, secret string) error {
	if ident == "" {
		return fmt.Errorf("ident cannot be empty")
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertUser, ident, secret); err != nil {
		return fmt.Errorf("failed to add user %q: %w", ident, err)
	}
	return nil
}

func (s *SQLStore) AddPermission(ctx context.Context, ident, channel string, canPub, canSub bool) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertPerm, ident, channel, canPub, canSub); err != nil {
		return fmt.Errorf("failed to add permission for %q: %w", ident, err)
	}
	return nil
}

func (s *SQLStore) RemoveUser(ctx context.Context, ident string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.dialect.deletePerms, ident); err != nil {
		return fmt.Errorf("failed to remove permissions of %q: %w", ident, err)
	}
	res, err := tx.ExecContext(ctx, s.dialect.deleteUser, ident)
	if err != nil {
		return fmt.Errorf("failed to remove user %q: %w", ident, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %q: %w", ident, ErrNotFound)
	}
	return tx.Commit()
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.listUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []*Identity
	byIdent := make(map[string]*Identity)
	for rows.Next() {
		id := &Identity{}
		if err := rows.Scan(&id.Ident, &id.Secret); err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		ids = append(ids, id)
		byIdent[id.Ident] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	perms, err := s.db.QueryContext(ctx, s.dialect.listPerms)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer perms.Close()
	for perms.Next() {
		var (
			ident, channel string
			canPub, canSub bool
		)
		if err := perms.Scan(&ident, &channel, &canPub, &canSub); err != nil {
			return nil, fmt.Errorf("failed to list permissions: %w", err)
		}
		id, ok := byIdent[ident]
		if !ok {
			continue
		}
		if canPub {
			id.ACL.Publish.add(channel)
		}
		if canSub {
			id.ACL.Subscribe.add(channel)
		}
	}
	if err := perms.Err(); err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}

	out := make([]UserRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, RecordOf(id))
	}
	return out, nil
}
