// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/userapi/storage/tables"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

const accountDataSchema = `
CREATE TABLE IF NOT EXISTS userapi_account_datas (
	localpart TEXT NOT NULL,
	server_name TEXT NOT NULL,
	room_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	content_json TEXT NOT NULL,
	PRIMARY KEY (localpart, server_name, room_id, type)
);
`

const upsertAccountDataSQL = `
INSERT INTO userapi_account_datas (localpart, server_name, room_id, type, content_json)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (localpart, server_name, room_id, type)
DO UPDATE SET content_json = EXCLUDED.content_json
`

const selectAccountDataContentSQL = `
SELECT content_json FROM userapi_account_datas
WHERE localpart = $1 AND server_name = $2 AND room_id = $3 AND type = $4
`

type accountDataStatements struct {
	upsertStmt *sql.Stmt
	selectStmt *sql.Stmt
}

func NewPostgresAccountDataTable(db *sql.DB) (tables.AccountDataTable, error) {
	if _, err := db.Exec(accountDataSchema); err != nil {
		return nil, err
	}
	s := &accountDataStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, upsertAccountDataSQL},
		{&s.selectStmt, selectAccountDataContentSQL},
	}.Prepare(db)
}

func (s *accountDataStatements) UpsertAccountData(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, roomID, dataType string, content json.RawMessage) error {
	stmt := sqlutil.TxStmt(txn, s.upsertStmt)
	_, err := stmt.ExecContext(ctx, localpart, string(serverName), roomID, dataType, string(content))
	return err
}

func (s *accountDataStatements) SelectAccountData(ctx context.Context, localpart string, serverName spec.ServerName, roomID, dataType string) (json.RawMessage, error) {
	var content string
	err := s.selectStmt.QueryRowContext(ctx, localpart, string(serverName), roomID, dataType).Scan(&content)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(content), nil
}

var _ tables.AccountDataTable = (*accountDataStatements)(nil)
