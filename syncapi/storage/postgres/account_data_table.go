// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
	"github.com/matrixcore/homeserver/syncapi/synctypes"
	"github.com/matrixcore/homeserver/syncapi/types"
)

const accountDataSchema = `
CREATE SEQUENCE IF NOT EXISTS syncapi_account_data_id;

CREATE TABLE IF NOT EXISTS syncapi_account_data (
	id BIGINT PRIMARY KEY DEFAULT nextval('syncapi_account_data_id'),
	user_id TEXT NOT NULL,
	room_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	CONSTRAINT syncapi_account_data_unique UNIQUE (user_id, room_id, type)
);`

const insertAccountDataSQL = `
INSERT INTO syncapi_account_data (user_id, room_id, type) VALUES ($1, $2, $3)
  ON CONFLICT (user_id, room_id, type)
  DO UPDATE SET id = nextval('syncapi_account_data_id')
  RETURNING id`

const selectAccountDataInRangeSQL = `
SELECT id, room_id, type FROM syncapi_account_data
  WHERE user_id = $1 AND id > $2 AND id <= $3
  ORDER BY id ASC`

const selectMaxAccountDataIDSQL = `SELECT CASE COUNT(*) WHEN 0 THEN 0 ELSE MAX(id) END FROM syncapi_account_data`

type accountDataStatements struct {
	db                     *sql.DB
	insertAccountData      *sql.Stmt
	selectAccountDataRange *sql.Stmt
	selectMaxAccountDataID *sql.Stmt
}

func NewPostgresAccountDataTable(db *sql.DB) (tables.AccountData, error) {
	_, err := db.Exec(accountDataSchema)
	if err != nil {
		return nil, err
	}
	s := &accountDataStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertAccountData, insertAccountDataSQL},
		{&s.selectAccountDataRange, selectAccountDataInRangeSQL},
		{&s.selectMaxAccountDataID, selectMaxAccountDataIDSQL},
	}.Prepare(db)
}

func (s *accountDataStatements) InsertAccountData(ctx context.Context, txn *sql.Tx, userID, roomID, dataType string) (pos types.StreamPosition, err error) {
	stmt := sqlutil.TxStmt(txn, s.insertAccountData)
	err = stmt.QueryRowContext(ctx, userID, roomID, dataType).Scan(&pos)
	return
}

func (s *accountDataStatements) SelectAccountDataInRange(
	ctx context.Context, txn *sql.Tx, userID string, r types.Range, filter *synctypes.EventFilter,
) (map[string][]string, types.StreamPosition, error) {
	result := make(map[string][]string)
	var lastPos types.StreamPosition

	rows, err := sqlutil.TxStmt(txn, s.selectAccountDataRange).QueryContext(ctx, userID, r.Low(), r.High())
	if err != nil {
		return nil, 0, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAccountDataInRange: rows.close() failed")

	for rows.Next() {
		var id types.StreamPosition
		var roomID, dataType string
		if err = rows.Scan(&id, &roomID, &dataType); err != nil {
			return nil, 0, err
		}
		if !accountDataTypeAllowed(filter, dataType) {
			continue
		}
		result[roomID] = append(result[roomID], dataType)
		if id > lastPos {
			lastPos = id
		}
	}
	return result, lastPos, rows.Err()
}

func accountDataTypeAllowed(filter *synctypes.EventFilter, dataType string) bool {
	if filter == nil {
		return true
	}
	if len(filter.NotTypes) > 0 {
		for _, t := range filter.NotTypes {
			if t == dataType {
				return false
			}
		}
	}
	if len(filter.Types) == 0 {
		return true
	}
	for _, t := range filter.Types {
		if t == dataType {
			return true
		}
	}
	return false
}

func (s *accountDataStatements) SelectMaxAccountDataID(ctx context.Context, txn *sql.Tx) (int64, error) {
	var id int64
	err := sqlutil.TxStmt(txn, s.selectMaxAccountDataID).QueryRowContext(ctx).Scan(&id)
	return id, err
}

var _ tables.AccountData = &accountDataStatements{}
