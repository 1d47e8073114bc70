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

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/roomserver/types"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_rooms (
	room_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL UNIQUE,
	room_version TEXT NOT NULL,
	latest_event_nids TEXT NOT NULL DEFAULT '[]',
	last_event_sent_nid INTEGER NOT NULL DEFAULT 0,
	state_snapshot_nid INTEGER NOT NULL DEFAULT 0
);
`

const insertRoomNIDSQL = "" +
	"INSERT INTO roomserver_rooms (room_id, room_version) VALUES ($1, $2)" +
	" ON CONFLICT (room_id) DO NOTHING"

const selectRoomNIDForRoomIDSQL = "" +
	"SELECT room_nid, room_version, state_snapshot_nid FROM roomserver_rooms WHERE room_id = $1"

const selectRoomInfoByNIDSQL = "" +
	"SELECT room_id, room_version, state_snapshot_nid FROM roomserver_rooms WHERE room_nid = $1"

const updateLatestEventNIDsSQL = "" +
	"UPDATE roomserver_rooms SET latest_event_nids = $2, last_event_sent_nid = $3, state_snapshot_nid = $4 WHERE room_nid = $1"

const selectLatestEventNIDsSQL = "" +
	"SELECT latest_event_nids, state_snapshot_nid FROM roomserver_rooms WHERE room_nid = $1"

type roomStatements struct {
	insertRoomNIDStmt          *sql.Stmt
	selectRoomNIDForRoomIDStmt *sql.Stmt
	selectRoomInfoByNIDStmt    *sql.Stmt
	updateLatestEventNIDsStmt  *sql.Stmt
	selectLatestEventNIDsStmt  *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	return err
}

func PrepareRoomsTable(db *sql.DB) (*roomStatements, error) {
	s := &roomStatements{}
	return s, sqlutil.StatementList{
		{&s.insertRoomNIDStmt, insertRoomNIDSQL},
		{&s.selectRoomNIDForRoomIDStmt, selectRoomNIDForRoomIDSQL},
		{&s.selectRoomInfoByNIDStmt, selectRoomInfoByNIDSQL},
		{&s.updateLatestEventNIDsStmt, updateLatestEventNIDsSQL},
		{&s.selectLatestEventNIDsStmt, selectLatestEventNIDsSQL},
	}.Prepare(db)
}

func (s *roomStatements) InsertRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion gomatrixserverlib.RoomVersion) (types.RoomNID, error) {
	stmt := sqlutil.TxStmt(txn, s.insertRoomNIDStmt)
	if _, err := stmt.ExecContext(ctx, roomID, string(roomVersion)); err != nil {
		return 0, err
	}
	info, err := s.SelectRoomInfo(ctx, txn, roomID)
	if err != nil {
		return 0, err
	}
	return info.RoomNID, nil
}

func (s *roomStatements) SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error) {
	var nid int64
	var version string
	var stateNID int64
	stmt := sqlutil.TxStmt(txn, s.selectRoomNIDForRoomIDStmt)
	err := stmt.QueryRowContext(ctx, roomID).Scan(&nid, &version, &stateNID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &types.RoomInfo{
		RoomNID:          types.RoomNID(nid),
		RoomVersion:      gomatrixserverlib.RoomVersion(version),
		RoomID:           roomID,
		StateSnapshotNID: types.StateSnapshotNID(stateNID),
	}, nil
}

func (s *roomStatements) SelectRoomInfoByNID(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (*types.RoomInfo, error) {
	var roomID, version string
	var stateNID int64
	stmt := sqlutil.TxStmt(txn, s.selectRoomInfoByNIDStmt)
	err := stmt.QueryRowContext(ctx, int64(roomNID)).Scan(&roomID, &version, &stateNID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &types.RoomInfo{
		RoomNID:          roomNID,
		RoomVersion:      gomatrixserverlib.RoomVersion(version),
		RoomID:           roomID,
		StateSnapshotNID: types.StateSnapshotNID(stateNID),
	}, nil
}

func (s *roomStatements) UpdateLatestEventNIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventNIDs []types.EventNID, lastEventSentNID types.EventNID, stateSnapshotNID types.StateSnapshotNID) error {
	nids := make([]int64, len(eventNIDs))
	for i, n := range eventNIDs {
		nids[i] = int64(n)
	}
	data, err := json.Marshal(nids)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.updateLatestEventNIDsStmt)
	_, err = stmt.ExecContext(ctx, int64(roomNID), string(data), int64(lastEventSentNID), int64(stateSnapshotNID))
	return err
}

func (s *roomStatements) SelectLatestEventNIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]types.EventNID, types.StateSnapshotNID, error) {
	var data string
	var stateNID int64
	stmt := sqlutil.TxStmt(txn, s.selectLatestEventNIDsStmt)
	err := stmt.QueryRowContext(ctx, int64(roomNID)).Scan(&data, &stateNID)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var nids []int64
	if err := json.Unmarshal([]byte(data), &nids); err != nil {
		return nil, 0, err
	}
	out := make([]types.EventNID, len(nids))
	for i, n := range nids {
		out[i] = types.EventNID(n)
	}
	return out, types.StateSnapshotNID(stateNID), nil
}
