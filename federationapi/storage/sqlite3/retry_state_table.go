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
	"github.com/matrixcore/homeserver/federationapi/types"
	"github.com/matrixcore/homeserver/internal/sqlutil"
)

const sqliteRetryStateSchema = `
CREATE TABLE IF NOT EXISTS federationsender_retry_state (
	server_name TEXT NOT NULL PRIMARY KEY,
	failure_count INTEGER NOT NULL DEFAULT 0,
	retry_until BIGINT NOT NULL DEFAULT 0
);
`

const sqliteUpsertRetryStateSQL = "" +
	"INSERT INTO federationsender_retry_state (server_name, failure_count, retry_until) VALUES ($1, $2, $3)" +
	" ON CONFLICT (server_name) DO UPDATE SET failure_count = $2, retry_until = $3"

const sqliteSelectRetryStateSQL = "" +
	"SELECT failure_count, retry_until FROM federationsender_retry_state WHERE server_name = $1"

const sqliteSelectAllRetryStatesSQL = "" +
	"SELECT server_name, failure_count, retry_until FROM federationsender_retry_state"

const sqliteDeleteRetryStateSQL = "" +
	"DELETE FROM federationsender_retry_state WHERE server_name = $1"

type retryStateStatements struct {
	db                       *sql.DB
	upsertRetryStateStmt     *sql.Stmt
	selectRetryStateStmt     *sql.Stmt
	selectAllRetryStatesStmt *sql.Stmt
	deleteRetryStateStmt     *sql.Stmt
}

func NewSQLiteRetryStateTable(db *sql.DB) (s *retryStateStatements, err error) {
	s = &retryStateStatements{db: db}
	if _, err = db.Exec(sqliteRetryStateSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertRetryStateStmt, sqliteUpsertRetryStateSQL},
		{&s.selectRetryStateStmt, sqliteSelectRetryStateSQL},
		{&s.selectAllRetryStatesStmt, sqliteSelectAllRetryStatesSQL},
		{&s.deleteRetryStateStmt, sqliteDeleteRetryStateSQL},
	}.Prepare(db)
}

func (s *retryStateStatements) UpsertRetryState(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertRetryStateStmt)
	_, err := stmt.ExecContext(ctx, serverName, failureCount, retryUntil)
	return err
}

func (s *retryStateStatements) SelectRetryState(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) (failureCount uint32, retryUntil spec.Timestamp, exists bool, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectRetryStateStmt)
	err = stmt.QueryRowContext(ctx, serverName).Scan(&failureCount, &retryUntil)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return failureCount, retryUntil, true, nil
}

func (s *retryStateStatements) SelectAllRetryStates(
	ctx context.Context, txn *sql.Tx,
) (map[spec.ServerName]types.RetryState, error) {
	stmt := sqlutil.TxStmt(txn, s.selectAllRetryStatesStmt)
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	result := make(map[spec.ServerName]types.RetryState)
	for rows.Next() {
		var serverName spec.ServerName
		var failureCount uint32
		var retryUntil spec.Timestamp
		if err = rows.Scan(&serverName, &failureCount, &retryUntil); err != nil {
			return nil, err
		}
		result[serverName] = types.RetryState{FailureCount: failureCount, RetryUntil: retryUntil}
	}
	return result, rows.Err()
}

func (s *retryStateStatements) DeleteRetryState(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteRetryStateStmt)
	_, err := stmt.ExecContext(ctx, serverName)
	return err
}

var _ tables.RetryStateTable = (*retryStateStatements)(nil)
