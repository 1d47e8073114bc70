// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/roomserver/types"
)

const eventJSONSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_json (
	event_nid INTEGER PRIMARY KEY,
	event_json BLOB NOT NULL
);
`

const insertEventJSONSQL = "" +
	"INSERT INTO roomserver_event_json (event_nid, event_json) VALUES ($1, $2)" +
	" ON CONFLICT (event_nid) DO UPDATE SET event_json = $2"

type eventJSONStatements struct {
	insertEventJSONStmt *sql.Stmt
	db                  *sql.DB
}

func CreateEventJSONTable(db *sql.DB) error {
	_, err := db.Exec(eventJSONSchema)
	return err
}

func PrepareEventJSONTable(db *sql.DB) (*eventJSONStatements, error) {
	s := &eventJSONStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertEventJSONStmt, insertEventJSONSQL},
	}.Prepare(db)
}

func (s *eventJSONStatements) InsertEventJSON(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, eventJSON []byte) error {
	stmt := sqlutil.TxStmt(txn, s.insertEventJSONStmt)
	_, err := stmt.ExecContext(ctx, int64(eventNID), eventJSON)
	return err
}

func (s *eventJSONStatements) SelectEventJSON(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (map[types.EventNID][]byte, error) {
	if len(eventNIDs) == 0 {
		return map[types.EventNID][]byte{}, nil
	}
	nids := make([]int64, len(eventNIDs))
	for i, n := range eventNIDs {
		nids[i] = int64(n)
	}
	query := fmt.Sprintf("SELECT event_nid, event_json FROM roomserver_event_json WHERE event_nid IN (%s)", sqliteIn(len(nids)))
	var rows *sql.Rows
	var err error
	if txn != nil {
		rows, err = txn.QueryContext(ctx, query, int64sToArgs(nids)...)
	} else {
		rows, err = s.db.QueryContext(ctx, query, int64sToArgs(nids)...)
	}
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventJSON: rows.close() failed")

	result := make(map[types.EventNID][]byte, len(eventNIDs))
	for rows.Next() {
		var nid int64
		var data []byte
		if err = rows.Scan(&nid, &data); err != nil {
			return nil, err
		}
		result[types.EventNID(nid)] = data
	}
	return result, rows.Err()
}
