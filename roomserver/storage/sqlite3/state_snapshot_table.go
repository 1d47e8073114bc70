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

const stateSnapshotSchema = `
CREATE TABLE IF NOT EXISTS roomserver_state_snapshot (
	state_snapshot_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	room_nid INTEGER NOT NULL,
	state_block_nids TEXT NOT NULL DEFAULT '[]'
);
`

const insertStateSQL = "" +
	"INSERT INTO roomserver_state_snapshot (room_nid, state_block_nids) VALUES ($1, $2)"

type stateSnapshotStatements struct {
	insertStateStmt *sql.Stmt
	db              *sql.DB
}

func CreateStateSnapshotTable(db *sql.DB) error {
	_, err := db.Exec(stateSnapshotSchema)
	return err
}

func PrepareStateSnapshotTable(db *sql.DB) (*stateSnapshotStatements, error) {
	s := &stateSnapshotStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertStateStmt, insertStateSQL},
	}.Prepare(db)
}

func (s *stateSnapshotStatements) InsertState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateBlockNIDs []types.StateBlockNID) (types.StateSnapshotNID, error) {
	nids := make([]int64, len(stateBlockNIDs))
	for i, n := range stateBlockNIDs {
		nids[i] = int64(n)
	}
	data, err := json.Marshal(nids)
	if err != nil {
		return 0, err
	}
	stmt := sqlutil.TxStmt(txn, s.insertStateStmt)
	res, err := stmt.ExecContext(ctx, int64(roomNID), string(data))
	if err != nil {
		return 0, err
	}
	nid, err := res.LastInsertId()
	return types.StateSnapshotNID(nid), err
}

func (s *stateSnapshotStatements) BulkSelectStateBlockNIDs(ctx context.Context, txn *sql.Tx, stateSnapshotNIDs []types.StateSnapshotNID) ([]types.StateBlockNIDList, error) {
	if len(stateSnapshotNIDs) == 0 {
		return nil, nil
	}
	nids := make([]int64, len(stateSnapshotNIDs))
	for i, n := range stateSnapshotNIDs {
		nids[i] = int64(n)
	}
	query := fmt.Sprintf("SELECT state_snapshot_nid, state_block_nids FROM roomserver_state_snapshot WHERE state_snapshot_nid IN (%s)", sqliteIn(len(nids)))
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
	defer internal.CloseAndLogIfError(ctx, rows, "BulkSelectStateBlockNIDs: rows.close() failed")

	var lists []types.StateBlockNIDList
	for rows.Next() {
		var nid int64
		var data string
		if err = rows.Scan(&nid, &data); err != nil {
			return nil, err
		}
		var blocks []int64
		if err = json.Unmarshal([]byte(data), &blocks); err != nil {
			return nil, err
		}
		out := make([]types.StateBlockNID, len(blocks))
		for i, b := range blocks {
			out[i] = types.StateBlockNID(b)
		}
		lists = append(lists, types.StateBlockNIDList{StateSnapshotNID: types.StateSnapshotNID(nid), StateBlockNIDs: out})
	}
	return lists, rows.Err()
}
