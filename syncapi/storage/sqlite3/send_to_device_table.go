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

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
	"github.com/matrixcore/homeserver/syncapi/types"
)

const sendToDeviceSchema = `
CREATE TABLE IF NOT EXISTS syncapi_send_to_device (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	content TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS syncapi_send_to_device_user_device ON syncapi_send_to_device(user_id, device_id);`

const insertSendToDeviceMessageSQL = `
INSERT INTO syncapi_send_to_device (user_id, device_id, content) VALUES ($1, $2, $3)
  RETURNING id`

const selectSendToDeviceMessagesSQL = `
SELECT id, content FROM syncapi_send_to_device
  WHERE user_id = $1 AND device_id = $2 AND id > $3 AND id <= $4
  ORDER BY id ASC`

const deleteSendToDeviceMessagesSQL = `
DELETE FROM syncapi_send_to_device WHERE user_id = $1 AND device_id = $2 AND id <= $3`

const selectMaxSendToDeviceIDSQL = `SELECT CASE COUNT(*) WHEN 0 THEN 0 ELSE MAX(id) END FROM syncapi_send_to_device`

type sendToDeviceStatements struct {
	db                        *sql.DB
	insertSendToDeviceMessage *sql.Stmt
	selectSendToDeviceMsgs    *sql.Stmt
	deleteSendToDeviceMsgs    *sql.Stmt
	selectMaxSendToDeviceID   *sql.Stmt
}

func NewSqliteSendToDeviceTable(db *sql.DB) (tables.SendToDevice, error) {
	_, err := db.Exec(sendToDeviceSchema)
	if err != nil {
		return nil, err
	}
	s := &sendToDeviceStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertSendToDeviceMessage, insertSendToDeviceMessageSQL},
		{&s.selectSendToDeviceMsgs, selectSendToDeviceMessagesSQL},
		{&s.deleteSendToDeviceMsgs, deleteSendToDeviceMessagesSQL},
		{&s.selectMaxSendToDeviceID, selectMaxSendToDeviceIDSQL},
	}.Prepare(db)
}

func (s *sendToDeviceStatements) InsertSendToDeviceMessage(ctx context.Context, txn *sql.Tx, userID, deviceID, content string) (pos types.StreamPosition, err error) {
	stmt := sqlutil.TxStmt(txn, s.insertSendToDeviceMessage)
	err = stmt.QueryRowContext(ctx, userID, deviceID, content).Scan(&pos)
	return
}

func (s *sendToDeviceStatements) SelectSendToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, from, to types.StreamPosition) ([]types.SendToDeviceEvent, types.StreamPosition, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectSendToDeviceMsgs).QueryContext(ctx, userID, deviceID, from, to)
	if err != nil {
		return nil, 0, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectSendToDeviceMessages: rows.close() failed")

	var lastPos types.StreamPosition
	var events []types.SendToDeviceEvent
	for rows.Next() {
		var id types.StreamPosition
		var content []byte
		if err = rows.Scan(&id, &content); err != nil {
			return nil, 0, err
		}
		var event gomatrixserverlib.SendToDeviceEvent
		if err = json.Unmarshal(content, &event); err != nil {
			return nil, 0, err
		}
		events = append(events, types.SendToDeviceEvent{
			StreamPosition:    id,
			SendToDeviceEvent: event,
		})
		if id > lastPos {
			lastPos = id
		}
	}
	return events, lastPos, rows.Err()
}

func (s *sendToDeviceStatements) DeleteSendToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, to types.StreamPosition) error {
	_, err := sqlutil.TxStmt(txn, s.deleteSendToDeviceMsgs).ExecContext(ctx, userID, deviceID, to)
	return err
}

func (s *sendToDeviceStatements) SelectMaxSendToDeviceMessageID(ctx context.Context, txn *sql.Tx) (int64, error) {
	var id int64
	err := sqlutil.TxStmt(txn, s.selectMaxSendToDeviceID).QueryRowContext(ctx).Scan(&id)
	return id, err
}

var _ tables.SendToDevice = &sendToDeviceStatements{}
