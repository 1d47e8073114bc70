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

// Schema for state snapshots: an ordered list of state-block NIDs, the delta
// chain that together fully determines the room's state at one point
const stateSnapshotSchema = `
CREATE TABLE IF NOT EXISTS roomserver_state_snapshot (
	state_snapshot_nid BIGSERIAL PRIMARY KEY,
	room_nid BIGINT NOT NULL,
	state_block_nids BIGINT[] NOT NULL DEFAULT '{}'
);
`

const insertStateSQL = "" +
	"INSERT INTO roomserver_state_snapshot (room_nid, state_block_nids) VALUES ($1, $2) RETURNING state_snapshot_nid"

const bulkSelectStateBlockNIDsSQL = "" +
	"SELECT state_snapshot_nid, state_block_nids FROM roomserver_state_snapshot WHERE state_snapshot_nid = ANY($1)"

type stateSnapshotStatements struct {
	insertStateStmt               *sql.Stmt
	bulkSelectStateBlockNIDsStmt  *sql.Stmt
}

func CreateStateSnapshotTable(db *sql.DB) error {
	_, err := db.Exec(stateSnapshotSchema)
	return err
}

func PrepareStateSnapshotTable(db *sql.DB) (*stateSnapshotStatements, error) {
	s := &stateSnapshotStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStateStmt, insertStateSQL},
		{&s.bulkSelectStateBlockNIDsStmt, bulkSelectStateBlockNIDsSQL},
	}.Prepare(db)
}

func (s *stateSnapshotStatements) InsertState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateBlockNIDs []types.StateBlockNID) (types.StateSnapshotNID, error) {
	nids := make([]int64, len(stateBlockNIDs))
	for i, n := range stateBlockNIDs {
		nids[i] = int64(n)
	}
	var nid int64
	stmt := sqlutil.TxStmt(txn, s.insertStateStmt)
	err := stmt.QueryRowContext(ctx, int64(roomNID), pq.Array(nids)).Scan(&nid)
	return types.StateSnapshotNID(nid), err
}

func (s *stateSnapshotStatements) BulkSelectStateBlockNIDs(ctx context.Context, txn *sql.Tx, stateSnapshotNIDs []types.StateSnapshotNID) ([]types.StateBlockNIDList, error) {
	nids := make([]int64, len(stateSnapshotNIDs))
	for i, n := range stateSnapshotNIDs {
		nids[i] = int64(n)
	}
	stmt := sqlutil.TxStmt(txn, s.bulkSelectStateBlockNIDsStmt)
	rows, err := stmt.QueryContext(ctx, pq.Array(nids))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "BulkSelectStateBlockNIDs: rows.close() failed")

	var lists []types.StateBlockNIDList
	for rows.Next() {
		var nid int64
		var blocks pq.Int64Array
		if err = rows.Scan(&nid, &blocks); err != nil {
			return nil, err
		}
		out := make([]types.StateBlockNID, len(blocks))
		for i, b := range blocks {
			out[i] = types.StateBlockNID(b)
		}
		lists = append(lists, types.StateBlockNIDList{
			StateSnapshotNID: types.StateSnapshotNID(nid),
			StateBlockNIDs:   out,
		})
	}
	return lists, rows.Err()
}
