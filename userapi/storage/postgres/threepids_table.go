// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/userapi/storage/tables"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

const threePIDsSchema = `
CREATE TABLE IF NOT EXISTS userapi_threepids (
	threepid TEXT NOT NULL,
	medium TEXT NOT NULL DEFAULT 'email',
	localpart TEXT NOT NULL,
	server_name TEXT NOT NULL,
	added_at BIGINT NOT NULL,
	PRIMARY KEY (threepid, medium)
);

CREATE INDEX IF NOT EXISTS userapi_threepids_localpart_idx
	ON userapi_threepids(localpart, server_name);
`

const insertThreePIDSQL = `
INSERT INTO userapi_threepids (threepid, medium, localpart, server_name, added_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (threepid, medium) DO UPDATE SET localpart = $3, server_name = $4
`

const selectLocalpartForThreePIDSQL = `
SELECT localpart, server_name FROM userapi_threepids WHERE threepid = $1 AND medium = $2
`

const selectThreePIDsForLocalpartSQL = `
SELECT threepid, medium, added_at FROM userapi_threepids WHERE localpart = $1 AND server_name = $2
`

const deleteThreePIDSQL = `
DELETE FROM userapi_threepids WHERE threepid = $1 AND medium = $2
`

type threePIDsStatements struct {
	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
	selectForLocalpartStmt *sql.Stmt
	deleteStmt *sql.Stmt
}

func NewPostgresThreePIDsTable(db *sql.DB) (tables.ThreePIDsTable, error) {
	if _, err := db.Exec(threePIDsSchema); err != nil {
		return nil, err
	}
	s := &threePIDsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertThreePIDSQL},
		{&s.selectStmt, selectLocalpartForThreePIDSQL},
		{&s.selectForLocalpartStmt, selectThreePIDsForLocalpartSQL},
		{&s.deleteStmt, deleteThreePIDSQL},
	}.Prepare(db)
}

func (s *threePIDsStatements) InsertThreePID(ctx context.Context, txn *sql.Tx, threepid, medium, localpart string, serverName spec.ServerName, addedAt int64) error {
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	_, err := stmt.ExecContext(ctx, threepid, medium, localpart, string(serverName), addedAt)
	return err
}

func (s *threePIDsStatements) SelectLocalpartForThreePID(ctx context.Context, threepid, medium string) (string, spec.ServerName, error) {
	var localpart, serverName string
	err := s.selectStmt.QueryRowContext(ctx, threepid, medium).Scan(&localpart, &serverName)
	if err != nil {
		return "", "", err
	}
	return localpart, spec.ServerName(serverName), nil
}

func (s *threePIDsStatements) SelectThreePIDsForLocalpart(ctx context.Context, localpart string, serverName spec.ServerName) ([]tables.ThreePID, error) {
	rows, err := s.selectForLocalpartStmt.QueryContext(ctx, localpart, string(serverName))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectThreePIDsForLocalpart: rows.close() failed")

	var result []tables.ThreePID
	for rows.Next() {
		var t tables.ThreePID
		if err = rows.Scan(&t.Address, &t.Medium, &t.AddedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *threePIDsStatements) DeleteThreePID(ctx context.Context, txn *sql.Tx, threepid, medium string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteStmt)
	_, err := stmt.ExecContext(ctx, threepid, medium)
	return err
}

var _ tables.ThreePIDsTable = (*threePIDsStatements)(nil)
