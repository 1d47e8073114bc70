// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
	"github.com/matrixcore/homeserver/syncapi/synctypes"
)

const filterSchema = `
CREATE TABLE IF NOT EXISTS syncapi_filter (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	filter TEXT NOT NULL,
	localpart TEXT NOT NULL,
	CONSTRAINT syncapi_filter_unique UNIQUE (localpart, id)
);`

const insertFilterSQL = `
INSERT INTO syncapi_filter (filter, localpart) VALUES ($1, $2)
  RETURNING id`

const selectFilterSQL = `
SELECT filter FROM syncapi_filter WHERE localpart = $1 AND id = $2`

type filterStatements struct {
	db           *sql.DB
	insertFilter *sql.Stmt
	selectFilter *sql.Stmt
}

func NewSqliteFilterTable(db *sql.DB) (tables.Filter, error) {
	_, err := db.Exec(filterSchema)
	if err != nil {
		return nil, err
	}
	s := &filterStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertFilter, insertFilterSQL},
		{&s.selectFilter, selectFilterSQL},
	}.Prepare(db)
}

func (s *filterStatements) SelectFilter(ctx context.Context, txn *sql.Tx, target *synctypes.RoomEventFilter, localpart, filterID string) error {
	var filterData []byte
	err := sqlutil.TxStmt(txn, s.selectFilter).QueryRowContext(ctx, localpart, filterID).Scan(&filterData)
	if err != nil {
		return err
	}
	return json.Unmarshal(filterData, target)
}

func (s *filterStatements) InsertFilter(ctx context.Context, txn *sql.Tx, filter *synctypes.RoomEventFilter, localpart string) (string, error) {
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return "", err
	}
	var filterID int64
	err = sqlutil.TxStmt(txn, s.insertFilter).QueryRowContext(ctx, filterJSON, localpart).Scan(&filterID)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(filterID, 10), nil
}

var _ tables.Filter = &filterStatements{}
