// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/syncapi/storage/postgres/deltas"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
)

const insertConnectionSQL = `
	INSERT INTO syncapi_sliding_sync_connections (user_id, device_id, conn_id, created_ts)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_id, device_id, conn_id) DO UPDATE SET created_ts = syncapi_sliding_sync_connections.created_ts
	RETURNING connection_key
`

const selectConnectionByKeySQL = `
	SELECT connection_key, user_id, device_id, conn_id, created_ts
	FROM syncapi_sliding_sync_connections
	WHERE connection_key = $1
`

const selectConnectionByIDsSQL = `
	SELECT connection_key, user_id, device_id, conn_id, created_ts
	FROM syncapi_sliding_sync_connections
	WHERE user_id = $1 AND device_id = $2 AND conn_id = $3
`

const deleteConnectionSQL = `
	DELETE FROM syncapi_sliding_sync_connections WHERE connection_key = $1
`

const deleteOldConnectionsSQL = `
	DELETE FROM syncapi_sliding_sync_connections WHERE created_ts < $1
`

const insertConnectionPositionSQL = `
	INSERT INTO syncapi_sliding_sync_connection_positions (connection_key, created_ts)
	VALUES ($1, $2)
	RETURNING connection_position
`

const selectConnectionPositionSQL = `
	SELECT connection_position, connection_key, created_ts
	FROM syncapi_sliding_sync_connection_positions
	WHERE connection_position = $1
`

const selectLatestConnectionPositionSQL = `
	SELECT connection_position, connection_key, created_ts
	FROM syncapi_sliding_sync_connection_positions
	WHERE connection_key = $1
	ORDER BY connection_position DESC
	LIMIT 1
`

const insertRequiredStateSQL = `
	INSERT INTO syncapi_sliding_sync_connection_required_state (connection_key, required_state)
	VALUES ($1, $2)
	RETURNING required_state_id
`

const selectRequiredStateSQL = `
	SELECT required_state FROM syncapi_sliding_sync_connection_required_state
	WHERE required_state_id = $1
`

const selectRequiredStateByContentSQL = `
	SELECT required_state_id FROM syncapi_sliding_sync_connection_required_state
	WHERE connection_key = $1 AND required_state = $2
	LIMIT 1
`

const upsertRoomConfigSQL = `
	INSERT INTO syncapi_sliding_sync_connection_room_configs
		(connection_position, room_id, timeline_limit, required_state_id)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (connection_position, room_id)
	DO UPDATE SET timeline_limit = $3, required_state_id = $4
`

const selectRoomConfigSQL = `
	SELECT connection_position, room_id, timeline_limit, required_state_id
	FROM syncapi_sliding_sync_connection_room_configs
	WHERE connection_position = $1 AND room_id = $2
`

const selectLatestRoomConfigSQL = `
	SELECT rc.connection_position, rc.room_id, rc.timeline_limit, rc.required_state_id
	FROM syncapi_sliding_sync_connection_room_configs rc
	INNER JOIN syncapi_sliding_sync_connection_positions cp USING (connection_position)
	WHERE cp.connection_key = $1 AND rc.room_id = $2
	ORDER BY rc.connection_position DESC
	LIMIT 1
`

const upsertConnectionStreamSQL = `
	INSERT INTO syncapi_sliding_sync_connection_streams
		(connection_position, room_id, stream, room_status, last_token)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (connection_position, room_id, stream)
	DO UPDATE SET room_status = $4, last_token = $5
`

const selectConnectionStreamSQL = `
	SELECT connection_position, room_id, stream, room_status, last_token
	FROM syncapi_sliding_sync_connection_streams
	WHERE connection_position = $1 AND room_id = $2 AND stream = $3
`

const selectLatestConnectionStreamSQL = `
	SELECT cs.connection_position, cs.room_id, cs.stream, cs.room_status, cs.last_token
	FROM syncapi_sliding_sync_connection_streams cs
	INNER JOIN syncapi_sliding_sync_connection_positions cp USING (connection_position)
	WHERE cp.connection_key = $1 AND cs.room_id = $2 AND cs.stream = $3
	ORDER BY cs.connection_position DESC
	LIMIT 1
`

const selectAllLatestConnectionStreamsSQL = `
	SELECT DISTINCT ON (cs.room_id, cs.stream) cs.room_id, cs.stream, cs.room_status, cs.last_token, cs.connection_position
	FROM syncapi_sliding_sync_connection_streams cs
	INNER JOIN syncapi_sliding_sync_connection_positions cp USING (connection_position)
	WHERE cp.connection_key = $1
	ORDER BY cs.room_id, cs.stream, cs.connection_position DESC
`

const selectConnectionStreamsByPositionSQL = `
	SELECT room_id, stream, room_status, last_token, connection_position
	FROM syncapi_sliding_sync_connection_streams
	WHERE connection_position = $1
`

const deleteOtherConnectionPositionsSQL = `
	DELETE FROM syncapi_sliding_sync_connection_positions
	WHERE connection_key = $1 AND connection_position != $2
`

const upsertConnectionListSQL = `
	INSERT INTO syncapi_sliding_sync_connection_lists (connection_key, list_name, room_ids)
	VALUES ($1, $2, $3)
	ON CONFLICT (connection_key, list_name)
	DO UPDATE SET room_ids = $3
`

const selectConnectionListSQL = `
	SELECT room_ids FROM syncapi_sliding_sync_connection_lists
	WHERE connection_key = $1 AND list_name = $2
`

type slidingSyncStatements struct {
	db                                    *sql.DB
	insertConnectionStmt                  *sql.Stmt
	selectConnectionByKeyStmt             *sql.Stmt
	selectConnectionByIDsStmt             *sql.Stmt
	deleteConnectionStmt                  *sql.Stmt
	deleteOldConnectionsStmt              *sql.Stmt
	insertConnectionPositionStmt          *sql.Stmt
	selectConnectionPositionStmt          *sql.Stmt
	selectLatestConnectionPositionStmt    *sql.Stmt
	insertRequiredStateStmt               *sql.Stmt
	selectRequiredStateStmt               *sql.Stmt
	selectRequiredStateByContentStmt      *sql.Stmt
	upsertRoomConfigStmt                  *sql.Stmt
	selectRoomConfigStmt                  *sql.Stmt
	selectLatestRoomConfigStmt            *sql.Stmt
	upsertConnectionStreamStmt            *sql.Stmt
	selectConnectionStreamStmt            *sql.Stmt
	selectLatestConnectionStreamStmt      *sql.Stmt
	selectAllLatestConnectionStreamsStmt  *sql.Stmt
	selectConnectionStreamsByPositionStmt *sql.Stmt
	deleteOtherConnectionPositionsStmt    *sql.Stmt
	upsertConnectionListStmt              *sql.Stmt
	selectConnectionListStmt              *sql.Stmt
}

// NewPostgresSlidingSyncTable wires the per-connection bookkeeping MSC4186
// sliding sync needs to compute incremental deltas between two positions.
func NewPostgresSlidingSyncTable(db *sql.DB) (tables.SlidingSync, error) {
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "syncapi: create sliding sync tables",
		Up:      deltas.UpCreateSlidingSyncTables,
	})
	if err := m.Up(context.Background()); err != nil {
		return nil, err
	}
	s := &slidingSyncStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertConnectionStmt, insertConnectionSQL},
		{&s.selectConnectionByKeyStmt, selectConnectionByKeySQL},
		{&s.selectConnectionByIDsStmt, selectConnectionByIDsSQL},
		{&s.deleteConnectionStmt, deleteConnectionSQL},
		{&s.deleteOldConnectionsStmt, deleteOldConnectionsSQL},
		{&s.insertConnectionPositionStmt, insertConnectionPositionSQL},
		{&s.selectConnectionPositionStmt, selectConnectionPositionSQL},
		{&s.selectLatestConnectionPositionStmt, selectLatestConnectionPositionSQL},
		{&s.insertRequiredStateStmt, insertRequiredStateSQL},
		{&s.selectRequiredStateStmt, selectRequiredStateSQL},
		{&s.selectRequiredStateByContentStmt, selectRequiredStateByContentSQL},
		{&s.upsertRoomConfigStmt, upsertRoomConfigSQL},
		{&s.selectRoomConfigStmt, selectRoomConfigSQL},
		{&s.selectLatestRoomConfigStmt, selectLatestRoomConfigSQL},
		{&s.upsertConnectionStreamStmt, upsertConnectionStreamSQL},
		{&s.selectConnectionStreamStmt, selectConnectionStreamSQL},
		{&s.selectLatestConnectionStreamStmt, selectLatestConnectionStreamSQL},
		{&s.selectAllLatestConnectionStreamsStmt, selectAllLatestConnectionStreamsSQL},
		{&s.selectConnectionStreamsByPositionStmt, selectConnectionStreamsByPositionSQL},
		{&s.deleteOtherConnectionPositionsStmt, deleteOtherConnectionPositionsSQL},
		{&s.upsertConnectionListStmt, upsertConnectionListSQL},
		{&s.selectConnectionListStmt, selectConnectionListSQL},
	}.Prepare(db)
}

func (s *slidingSyncStatements) InsertConnection(ctx context.Context, txn *sql.Tx, userID, deviceID, connID string, createdTS int64) (int64, error) {
	var connectionKey int64
	err := sqlutil.TxStmt(txn, s.insertConnectionStmt).QueryRowContext(ctx, userID, deviceID, connID, createdTS).Scan(&connectionKey)
	return connectionKey, err
}

func (s *slidingSyncStatements) SelectConnectionByKey(ctx context.Context, txn *sql.Tx, connectionKey int64) (*tables.SlidingSyncConnection, error) {
	var conn tables.SlidingSyncConnection
	err := sqlutil.TxStmt(txn, s.selectConnectionByKeyStmt).QueryRowContext(ctx, connectionKey).Scan(
		&conn.ConnectionKey, &conn.UserID, &conn.DeviceID, &conn.ConnID, &conn.CreatedTS,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &conn, err
}

func (s *slidingSyncStatements) SelectConnectionByIDs(ctx context.Context, txn *sql.Tx, userID, deviceID, connID string) (*tables.SlidingSyncConnection, error) {
	var conn tables.SlidingSyncConnection
	err := sqlutil.TxStmt(txn, s.selectConnectionByIDsStmt).QueryRowContext(ctx, userID, deviceID, connID).Scan(
		&conn.ConnectionKey, &conn.UserID, &conn.DeviceID, &conn.ConnID, &conn.CreatedTS,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &conn, err
}

func (s *slidingSyncStatements) DeleteConnection(ctx context.Context, txn *sql.Tx, connectionKey int64) error {
	_, err := sqlutil.TxStmt(txn, s.deleteConnectionStmt).ExecContext(ctx, connectionKey)
	return err
}

func (s *slidingSyncStatements) DeleteOldConnections(ctx context.Context, txn *sql.Tx, olderThanTS int64) error {
	_, err := sqlutil.TxStmt(txn, s.deleteOldConnectionsStmt).ExecContext(ctx, olderThanTS)
	return err
}

func (s *slidingSyncStatements) InsertConnectionPosition(ctx context.Context, txn *sql.Tx, connectionKey int64, createdTS int64) (int64, error) {
	var pos int64
	err := sqlutil.TxStmt(txn, s.insertConnectionPositionStmt).QueryRowContext(ctx, connectionKey, createdTS).Scan(&pos)
	return pos, err
}

func (s *slidingSyncStatements) SelectConnectionPosition(ctx context.Context, txn *sql.Tx, connectionPosition int64) (*tables.SlidingSyncConnectionPosition, error) {
	var pos tables.SlidingSyncConnectionPosition
	err := sqlutil.TxStmt(txn, s.selectConnectionPositionStmt).QueryRowContext(ctx, connectionPosition).Scan(
		&pos.ConnectionPosition, &pos.ConnectionKey, &pos.CreatedTS,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &pos, err
}

func (s *slidingSyncStatements) SelectLatestConnectionPosition(ctx context.Context, txn *sql.Tx, connectionKey int64) (*tables.SlidingSyncConnectionPosition, error) {
	var pos tables.SlidingSyncConnectionPosition
	err := sqlutil.TxStmt(txn, s.selectLatestConnectionPositionStmt).QueryRowContext(ctx, connectionKey).Scan(
		&pos.ConnectionPosition, &pos.ConnectionKey, &pos.CreatedTS,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &pos, err
}

func (s *slidingSyncStatements) InsertRequiredState(ctx context.Context, txn *sql.Tx, connectionKey int64, requiredState string) (int64, error) {
	var id int64
	err := sqlutil.TxStmt(txn, s.insertRequiredStateStmt).QueryRowContext(ctx, connectionKey, requiredState).Scan(&id)
	return id, err
}

func (s *slidingSyncStatements) SelectRequiredState(ctx context.Context, txn *sql.Tx, requiredStateID int64) (string, error) {
	var requiredState string
	err := sqlutil.TxStmt(txn, s.selectRequiredStateStmt).QueryRowContext(ctx, requiredStateID).Scan(&requiredState)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return requiredState, err
}

func (s *slidingSyncStatements) SelectRequiredStateByContent(ctx context.Context, txn *sql.Tx, connectionKey int64, requiredState string) (int64, bool, error) {
	var id int64
	err := sqlutil.TxStmt(txn, s.selectRequiredStateByContentStmt).QueryRowContext(ctx, connectionKey, requiredState).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *slidingSyncStatements) UpsertRoomConfig(ctx context.Context, txn *sql.Tx, connectionPosition int64, roomID string, timelineLimit int, requiredStateID int64) error {
	_, err := sqlutil.TxStmt(txn, s.upsertRoomConfigStmt).ExecContext(ctx, connectionPosition, roomID, timelineLimit, requiredStateID)
	return err
}

func (s *slidingSyncStatements) SelectRoomConfig(ctx context.Context, txn *sql.Tx, connectionPosition int64, roomID string) (*tables.SlidingSyncRoomConfig, error) {
	var cfg tables.SlidingSyncRoomConfig
	err := sqlutil.TxStmt(txn, s.selectRoomConfigStmt).QueryRowContext(ctx, connectionPosition, roomID).Scan(
		&cfg.ConnectionPosition, &cfg.RoomID, &cfg.TimelineLimit, &cfg.RequiredStateID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &cfg, err
}

func (s *slidingSyncStatements) SelectLatestRoomConfig(ctx context.Context, txn *sql.Tx, connectionKey int64, roomID string) (*tables.SlidingSyncRoomConfig, error) {
	var cfg tables.SlidingSyncRoomConfig
	err := sqlutil.TxStmt(txn, s.selectLatestRoomConfigStmt).QueryRowContext(ctx, connectionKey, roomID).Scan(
		&cfg.ConnectionPosition, &cfg.RoomID, &cfg.TimelineLimit, &cfg.RequiredStateID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &cfg, err
}

func (s *slidingSyncStatements) UpsertConnectionStream(ctx context.Context, txn *sql.Tx, connectionPosition int64, roomID, stream, roomStatus, lastToken string) error {
	_, err := sqlutil.TxStmt(txn, s.upsertConnectionStreamStmt).ExecContext(ctx, connectionPosition, roomID, stream, roomStatus, lastToken)
	return err
}

func (s *slidingSyncStatements) SelectConnectionStream(ctx context.Context, txn *sql.Tx, connectionPosition int64, roomID, stream string) (*tables.SlidingSyncConnectionStream, error) {
	var st tables.SlidingSyncConnectionStream
	err := sqlutil.TxStmt(txn, s.selectConnectionStreamStmt).QueryRowContext(ctx, connectionPosition, roomID, stream).Scan(
		&st.ConnectionPosition, &st.RoomID, &st.Stream, &st.RoomStatus, &st.LastToken,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &st, err
}

func (s *slidingSyncStatements) SelectLatestConnectionStream(ctx context.Context, txn *sql.Tx, connectionKey int64, roomID, stream string) (*tables.SlidingSyncConnectionStream, error) {
	var st tables.SlidingSyncConnectionStream
	err := sqlutil.TxStmt(txn, s.selectLatestConnectionStreamStmt).QueryRowContext(ctx, connectionKey, roomID, stream).Scan(
		&st.ConnectionPosition, &st.RoomID, &st.Stream, &st.RoomStatus, &st.LastToken,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &st, err
}

func (s *slidingSyncStatements) selectStreamRows(rows *sql.Rows) (map[string]map[string]*tables.SlidingSyncConnectionStream, error) {
	defer rows.Close()
	result := make(map[string]map[string]*tables.SlidingSyncConnectionStream)
	for rows.Next() {
		var st tables.SlidingSyncConnectionStream
		if err := rows.Scan(&st.RoomID, &st.Stream, &st.RoomStatus, &st.LastToken, &st.ConnectionPosition); err != nil {
			return nil, err
		}
		if result[st.RoomID] == nil {
			result[st.RoomID] = make(map[string]*tables.SlidingSyncConnectionStream)
		}
		result[st.RoomID][st.Stream] = &st
	}
	return result, rows.Err()
}

func (s *slidingSyncStatements) SelectAllLatestConnectionStreams(ctx context.Context, txn *sql.Tx, connectionKey int64) (map[string]map[string]*tables.SlidingSyncConnectionStream, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAllLatestConnectionStreamsStmt).QueryContext(ctx, connectionKey)
	if err != nil {
		return nil, err
	}
	return s.selectStreamRows(rows)
}

func (s *slidingSyncStatements) SelectConnectionStreamsByPosition(ctx context.Context, txn *sql.Tx, connectionPosition int64) (map[string]map[string]*tables.SlidingSyncConnectionStream, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectConnectionStreamsByPositionStmt).QueryContext(ctx, connectionPosition)
	if err != nil {
		return nil, err
	}
	return s.selectStreamRows(rows)
}

func (s *slidingSyncStatements) DeleteOtherConnectionPositions(ctx context.Context, txn *sql.Tx, connectionKey int64, keepPosition int64) error {
	_, err := sqlutil.TxStmt(txn, s.deleteOtherConnectionPositionsStmt).ExecContext(ctx, connectionKey, keepPosition)
	return err
}

func (s *slidingSyncStatements) UpsertConnectionList(ctx context.Context, txn *sql.Tx, connectionKey int64, listName string, roomIDsJSON string) error {
	_, err := sqlutil.TxStmt(txn, s.upsertConnectionListStmt).ExecContext(ctx, connectionKey, listName, roomIDsJSON)
	return err
}

func (s *slidingSyncStatements) SelectConnectionList(ctx context.Context, txn *sql.Tx, connectionKey int64, listName string) (string, bool, error) {
	var roomIDsJSON string
	err := sqlutil.TxStmt(txn, s.selectConnectionListStmt).QueryRowContext(ctx, connectionKey, listName).Scan(&roomIDsJSON)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return roomIDsJSON, true, nil
}

var _ tables.SlidingSync = &slidingSyncStatements{}
