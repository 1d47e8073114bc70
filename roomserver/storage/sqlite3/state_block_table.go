// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/roomserver/types"
)

const stateBlockSchema = `
CREATE TABLE IF NOT EXISTS roomserver_state_block (
	state_block_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	event_nids TEXT NOT NULL
);
`

const insertStateDataSQL = "" +
	"INSERT INTO roomserver_state_block (event_nids) VALUES ($1)"

type stateBlockStatements struct {
	insertStateDataStmt *sql.Stmt
	db                  *sql.DB
}

func CreateStateBlockTable(db *sql.DB) error {
	_, err := db.Exec(stateBlockSchema)
	return err
}

func PrepareStateBlockTable(db *sql.DB) (*stateBlockStatements, error) {
	s := &stateBlockStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertStateDataStmt, insertStateDataSQL},
	}.Prepare(db)
}

type stateEntryJSON struct {
	EventTypeNID     int64 `json:"type_nid"`
	EventStateKeyNID int64 `json:"state_key_nid"`
	EventNID         int64 `json:"event_nid"`
}

func marshalStateEntries(entries []types.StateEntry) ([]byte, error) {
	out := make([]stateEntryJSON, len(entries))
	for i, e := range entries {
		out[i] = stateEntryJSON{
			EventTypeNID:     int64(e.EventTypeNID),
			EventStateKeyNID: int64(e.EventStateKeyNID),
			EventNID:         int64(e.EventNID),
		}
	}
	return json.Marshal(out)
}

func unmarshalStateEntries(data []byte) ([]types.StateEntry, error) {
	var in []stateEntryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	out := make([]types.StateEntry, len(in))
	for i, e := range in {
		out[i] = types.StateEntry{
			StateKeyTuple: types.StateKeyTuple{
				EventTypeNID:     types.EventTypeNID(e.EventTypeNID),
				EventStateKeyNID: types.EventStateKeyNID(e.EventStateKeyNID),
			},
			EventNID: types.EventNID(e.EventNID),
		}
	}
	return out, nil
}

func (s *stateBlockStatements) BulkInsertStateData(ctx context.Context, txn *sql.Tx, entries []types.StateEntry) (types.StateBlockNID, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	data, err := marshalStateEntries(entries)
	if err != nil {
		return 0, err
	}
	stmt := sqlutil.TxStmt(txn, s.insertStateDataStmt)
	res, err := stmt.ExecContext(ctx, string(data))
	if err != nil {
		return 0, err
	}
	nid, err := res.LastInsertId()
	return types.StateBlockNID(nid), err
}

func (s *stateBlockStatements) BulkSelectStateBlockEntries(ctx context.Context, txn *sql.Tx, stateBlockNIDs []types.StateBlockNID) ([]types.StateEntryList, error) {
	if len(stateBlockNIDs) == 0 {
		return nil, nil
	}
	nids := make([]int64, len(stateBlockNIDs))
	for i, n := range stateBlockNIDs {
		nids[i] = int64(n)
	}
	query := fmt.Sprintf("SELECT state_block_nid, event_nids FROM roomserver_state_block WHERE state_block_nid IN (%s)", sqliteIn(len(nids)))
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
	defer internal.CloseAndLogIfError(ctx, rows, "BulkSelectStateBlockEntries: rows.close() failed")

	var lists []types.StateEntryList
	for rows.Next() {
		var nid int64
		var data []byte
		if err = rows.Scan(&nid, &data); err != nil {
			return nil, err
		}
		entries, err := unmarshalStateEntries(data)
		if err != nil {
			return nil, err
		}
		lists = append(lists, types.StateEntryList{StateBlockNID: types.StateBlockNID(nid), StateEntries: entries})
	}
	return lists, rows.Err()
}
