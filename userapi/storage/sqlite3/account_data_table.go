// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/userapi/storage/tables"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

const sqliteAccountDataSchema = `
CREATE TABLE IF NOT EXISTS userapi_account_datas (
	localpart TEXT NOT NULL,
	server_name TEXT NOT NULL,
	room_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	content_json TEXT NOT NULL,
	PRIMARY KEY (localpart, server_name, room_id, type)
);
`

const sqliteUpsertAccountDataSQL = `
INSERT INTO userapi_account_datas (localpart, server_name, room_id, type, content_json)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (localpart, server_name, room_id, type) DO UPDATE SET content_json = $5
`

const sqliteSelectAccountDataContentSQL = `
SELECT content_json FROM userapi_account_datas
WHERE localpart = $1 AND server_name = $2 AND room_id = $3 AND type = $4
`

type sqliteAccountDataStatements struct {
	upsertStmt *sql.Stmt
	selectStmt *sql.Stmt
}

func NewSQLiteAccountDataTable(db *sql.DB) (tables.AccountDataTable, error) {
	if _, err := db.Exec(sqliteAccountDataSchema); err != nil {
		return nil, err
	}
	s := &sqliteAccountDataStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, sqliteUpsertAccountDataSQL},
		{&s.selectStmt, sqliteSelectAccountDataContentSQL},
	}.Prepare(db)
}

func (s *sqliteAccountDataStatements) UpsertAccountData(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, roomID, dataType string, content json.RawMessage) error {
	stmt := sqlutil.TxStmt(txn, s.upsertStmt)
	_, err := stmt.ExecContext(ctx, localpart, string(serverName), roomID, dataType, string(content))
	return err
}

func (s *sqliteAccountDataStatements) SelectAccountData(ctx context.Context, localpart string, serverName spec.ServerName, roomID, dataType string) (json.RawMessage, error) {
	var content string
	err := s.selectStmt.QueryRowContext(ctx, localpart, string(serverName), roomID, dataType).Scan(&content)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(content), nil
}

var _ tables.AccountDataTable = (*sqliteAccountDataStatements)(nil)
