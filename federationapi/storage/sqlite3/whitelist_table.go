// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/federationapi/storage/tables"
	"github.com/matrixcore/homeserver/internal/sqlutil"
)

const sqliteWhitelistSchema = `
CREATE TABLE IF NOT EXISTS federationsender_whitelist (
	server_name TEXT NOT NULL,
	UNIQUE (server_name)
);
`

const sqliteInsertWhitelistSQL = "" +
	"INSERT INTO federationsender_whitelist (server_name) VALUES ($1)" +
	" ON CONFLICT DO NOTHING"

const sqliteSelectWhitelistSQL = "" +
	"SELECT server_name FROM federationsender_whitelist WHERE server_name = $1"

const sqliteDeleteWhitelistSQL = "" +
	"DELETE FROM federationsender_whitelist WHERE server_name = $1"

const sqliteDeleteAllWhitelistSQL = "" +
	"DELETE FROM federationsender_whitelist"

type whitelistStatements struct {
	db                     *sql.DB
	insertWhitelistStmt    *sql.Stmt
	selectWhitelistStmt    *sql.Stmt
	deleteWhitelistStmt    *sql.Stmt
	deleteAllWhitelistStmt *sql.Stmt
}

func NewSQLiteWhitelistTable(db *sql.DB) (s *whitelistStatements, err error) {
	s = &whitelistStatements{db: db}
	if _, err = db.Exec(sqliteWhitelistSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertWhitelistStmt, sqliteInsertWhitelistSQL},
		{&s.selectWhitelistStmt, sqliteSelectWhitelistSQL},
		{&s.deleteWhitelistStmt, sqliteDeleteWhitelistSQL},
		{&s.deleteAllWhitelistStmt, sqliteDeleteAllWhitelistSQL},
	}.Prepare(db)
}

func (s *whitelistStatements) InsertWhitelist(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) error {
	stmt := sqlutil.TxStmt(txn, s.insertWhitelistStmt)
	_, err := stmt.ExecContext(ctx, serverName)
	return err
}

func (s *whitelistStatements) SelectWhitelist(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.selectWhitelistStmt)
	res, err := stmt.QueryContext(ctx, serverName)
	if err != nil {
		return false, err
	}
	defer res.Close() // nolint:errcheck
	return res.Next(), nil
}

func (s *whitelistStatements) DeleteWhitelist(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteWhitelistStmt)
	_, err := stmt.ExecContext(ctx, serverName)
	return err
}

func (s *whitelistStatements) DeleteAllWhitelist(
	ctx context.Context, txn *sql.Tx,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteAllWhitelistStmt)
	_, err := stmt.ExecContext(ctx)
	return err
}

var _ tables.WhitelistTable = (*whitelistStatements)(nil)
