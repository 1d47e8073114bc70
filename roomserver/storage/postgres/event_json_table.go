// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/roomserver/types"
)

const eventJSONSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_json (
	event_nid BIGINT PRIMARY KEY,
	event_json BYTEA NOT NULL
);
`

const insertEventJSONSQL = "" +
	"INSERT INTO roomserver_event_json (event_nid, event_json) VALUES ($1, $2)" +
	" ON CONFLICT (event_nid) DO UPDATE SET event_json = $2"

const selectEventJSONSQL = "" +
	"SELECT event_nid, event_json FROM roomserver_event_json WHERE event_nid = ANY($1)"

type eventJSONStatements struct {
	insertEventJSONStmt *sql.Stmt
	selectEventJSONStmt *sql.Stmt
}

func CreateEventJSONTable(db *sql.DB) error {
	_, err := db.Exec(eventJSONSchema)
	return err
}

func PrepareEventJSONTable(db *sql.DB) (*eventJSONStatements, error) {
	s := &eventJSONStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventJSONStmt, insertEventJSONSQL},
		{&s.selectEventJSONStmt, selectEventJSONSQL},
	}.Prepare(db)
}

func (s *eventJSONStatements) InsertEventJSON(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, eventJSON []byte) error {
	stmt := sqlutil.TxStmt(txn, s.insertEventJSONStmt)
	_, err := stmt.ExecContext(ctx, int64(eventNID), eventJSON)
	return err
}

func (s *eventJSONStatements) SelectEventJSON(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (map[types.EventNID][]byte, error) {
	nids := make([]int64, len(eventNIDs))
	for i, n := range eventNIDs {
		nids[i] = int64(n)
	}
	stmt := sqlutil.TxStmt(txn, s.selectEventJSONStmt)
	rows, err := stmt.QueryContext(ctx, pq.Array(nids))
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
