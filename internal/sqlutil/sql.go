// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sqlutil holds the small amount of plumbing every storage package
// in the homeserver shares: prepared-statement bootstrap, transaction
// helpers, and schema migrations
package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TxStmt returns stmt bound to txn if txn is non-nil, otherwise stmt
// unmodified. Every table method calls this so the same prepared statement
// can run standalone or as part of a larger transaction.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn != nil {
		return txn.Stmt(stmt)
	}
	return stmt
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = txn.Rollback()
			panic(p)
		} else if err != nil {
			_ = txn.Rollback()
		} else {
			err = txn.Commit()
		}
	}()
	return fn(txn)
}

// StatementList pairs a destination *sql.Stmt pointer with its SQL text so
// an entire table's statement set can be prepared in one call.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare compiles every statement in the list against db, stopping at the
// first failure so the caller gets a precise error pointing at the bad SQL.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			return fmt.Errorf("sqlutil: prepare %q: %w", statement.SQL, err)
		}
	}
	return nil
}

// Migration is one named, idempotent schema change.
type Migration struct {
	Version string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

// Migrator applies Migrations in lexicographic version order, recording each
// applied version (version, executed_at, success) so a restart never re-runs
// one. No checksum of a migration is recorded or compared.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator binds a migrator to db and ensures the bookkeeping table
// exists.
func NewMigrator(db *sql.DB) *Migrator {
	_, _ = db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	executed_at BIGINT NOT NULL,
	success BOOLEAN NOT NULL
);`)
	return &Migrator{db: db}
}

// AddMigrations registers one or more migrations to be applied by Up.
func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

// Up applies every registered migration not already recorded as
// successfully executed, in lexicographic version order.
func (m *Migrator) Up(ctx context.Context) error {
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
	for _, mig := range m.migrations {
		applied, err := m.alreadyApplied(mig.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := WithTransaction(m.db, func(tx *sql.Tx) error {
			if err := mig.Up(ctx, tx); err != nil {
				return fmt.Errorf("migration %s: %w", mig.Version, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, executed_at, success) VALUES ($1, $2, true)`,
				mig.Version, time.Now().Unix())
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// QueryVariadicOffset returns "($o+1, $o+2, ..., $o+n)" for building a
// dynamic IN (...) clause, since sqlite3 has no equivalent to postgres's
// "= ANY($1)" array comparison. offset is the number of placeholders
// already consumed earlier in the query.
func QueryVariadicOffset(n, offset int) string {
	params := make([]string, n)
	for i := 0; i < n; i++ {
		params[i] = fmt.Sprintf("$%d", i+offset+1)
	}
	return "(" + strings.Join(params, ", ") + ")"
}

// QueryVariadic is QueryVariadicOffset with no preceding placeholders.
func QueryVariadic(n int) string {
	return QueryVariadicOffset(n, 0)
}

func (m *Migrator) alreadyApplied(version string) (bool, error) {
	var count int
	err := m.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = $1 AND success`, version).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

