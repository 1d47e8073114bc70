// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
	"github.com/matrixcore/homeserver/syncapi/types"
)

const receiptsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_receipts (
	id INTEGER PRIMARY KEY,
	room_id TEXT NOT NULL,
	receipt_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	receipt_ts BIGINT NOT NULL,
	CONSTRAINT syncapi_receipts_unique UNIQUE (room_id, receipt_type, user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_receipts_room_id ON syncapi_receipts(room_id);

CREATE TABLE IF NOT EXISTS syncapi_sliding_sync_connection_receipts (
	connection_key BIGINT NOT NULL,
	room_id TEXT NOT NULL,
	receipt_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	last_delivered_event_id TEXT NOT NULL,
	last_delivered_ts BIGINT NOT NULL,
	PRIMARY KEY (connection_key, room_id, receipt_type, user_id)
);
`

const upsertReceiptSQL = `
INSERT INTO syncapi_receipts (id, room_id, receipt_type, user_id, event_id, receipt_ts)
  VALUES ($1, $2, $3, $4, $5, $6)
  ON CONFLICT (room_id, receipt_type, user_id)
  DO UPDATE SET id = $1, event_id = $5, receipt_ts = $6`

const selectRoomReceiptsSQL = `
SELECT id, room_id, receipt_type, user_id, event_id, receipt_ts
  FROM syncapi_receipts
  WHERE room_id IN ($1) AND id > $2`

const selectMaxReceiptIDSQL = `SELECT CASE COUNT(*) WHEN 0 THEN 0 ELSE MAX(id) END FROM syncapi_receipts`

const purgeReceiptsSQL = `DELETE FROM syncapi_receipts WHERE room_id = $1`

const selectLatestUserReceiptsSQL = `
SELECT id, room_id, receipt_type, user_id, event_id, receipt_ts
  FROM syncapi_receipts
  WHERE room_id IN ($1)`

const selectConnectionReceiptsSQL = `
SELECT room_id, receipt_type, user_id, last_delivered_event_id, last_delivered_ts
  FROM syncapi_sliding_sync_connection_receipts
  WHERE connection_key = $1`

const upsertConnectionReceiptSQL = `
INSERT INTO syncapi_sliding_sync_connection_receipts
  (connection_key, room_id, receipt_type, user_id, last_delivered_event_id, last_delivered_ts)
  VALUES ($1, $2, $3, $4, $5, $6)
  ON CONFLICT (connection_key, room_id, receipt_type, user_id)
  DO UPDATE SET last_delivered_event_id = $5, last_delivered_ts = $6`

const deleteConnectionReceiptsSQL = `DELETE FROM syncapi_sliding_sync_connection_receipts WHERE connection_key = $1`

type receiptStatements struct {
	db                       *sql.DB
	streamIDStatements       *StreamIDStatements
	upsertReceipt            *sql.Stmt
	selectMaxReceiptID       *sql.Stmt
	purgeReceiptsStmt        *sql.Stmt
	selectConnectionReceipts *sql.Stmt
	upsertConnectionReceipt  *sql.Stmt
	deleteConnectionReceipts *sql.Stmt
}

func NewSqliteReceiptsTable(db *sql.DB, streamID *StreamIDStatements) (tables.Receipts, error) {
	if _, err := db.Exec(receiptsSchema); err != nil {
		return nil, err
	}
	r := &receiptStatements{db: db, streamIDStatements: streamID}
	return r, sqlutil.StatementList{
		{&r.upsertReceipt, upsertReceiptSQL},
		{&r.selectMaxReceiptID, selectMaxReceiptIDSQL},
		{&r.purgeReceiptsStmt, purgeReceiptsSQL},
		{&r.selectConnectionReceipts, selectConnectionReceiptsSQL},
		{&r.upsertConnectionReceipt, upsertConnectionReceiptSQL},
		{&r.deleteConnectionReceipts, deleteConnectionReceiptsSQL},
	}.Prepare(db)
}

func (r *receiptStatements) UpsertReceipt(ctx context.Context, txn *sql.Tx, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) (types.StreamPosition, error) {
	pos, err := r.streamIDStatements.nextReceiptID(ctx, txn)
	if err != nil {
		return 0, err
	}
	_, err = sqlutil.TxStmt(txn, r.upsertReceipt).ExecContext(ctx, pos, roomID, receiptType, userID, eventID, timestamp)
	return pos, err
}

func (r *receiptStatements) SelectRoomReceiptsAfter(ctx context.Context, txn *sql.Tx, roomIDs []string, streamPos types.StreamPosition) (types.StreamPosition, []types.OutputReceiptEvent, error) {
	query := strings.Replace(selectRoomReceiptsSQL, "($1)", sqlutil.QueryVariadic(len(roomIDs)), 1)
	params := make([]interface{}, 0, len(roomIDs)+1)
	for _, id := range roomIDs {
		params = append(params, id)
	}
	params = append(params, streamPos)
	prep, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return 0, nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectRoomReceiptsAfter: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return 0, nil, fmt.Errorf("unable to query room receipts: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomReceiptsAfter: rows.close() failed")
	var lastPos types.StreamPosition
	var res []types.OutputReceiptEvent
	for rows.Next() {
		var out types.OutputReceiptEvent
		var id types.StreamPosition
		if err = rows.Scan(&id, &out.RoomID, &out.Type, &out.UserID, &out.EventID, &out.Timestamp); err != nil {
			return 0, res, err
		}
		res = append(res, out)
		if id > lastPos {
			lastPos = id
		}
	}
	return lastPos, res, rows.Err()
}

func (r *receiptStatements) SelectMaxReceiptID(ctx context.Context, txn *sql.Tx) (int64, error) {
	var id int64
	err := sqlutil.TxStmt(txn, r.selectMaxReceiptID).QueryRowContext(ctx).Scan(&id)
	return id, err
}

func (r *receiptStatements) PurgeReceipts(ctx context.Context, txn *sql.Tx, roomID string) error {
	_, err := sqlutil.TxStmt(txn, r.purgeReceiptsStmt).ExecContext(ctx, roomID)
	return err
}

func (r *receiptStatements) SelectLatestUserReceiptsForConnection(ctx context.Context, txn *sql.Tx, connectionKey int64, roomIDs []string, userID string) ([]types.OutputReceiptEvent, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	query := strings.Replace(selectLatestUserReceiptsSQL, "($1)", sqlutil.QueryVariadic(len(roomIDs)), 1)
	params := make([]interface{}, 0, len(roomIDs))
	for _, id := range roomIDs {
		params = append(params, id)
	}
	prep, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectLatestUserReceiptsForConnection: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectLatestUserReceiptsForConnection: rows.close() failed")

	latest := make(map[string]types.OutputReceiptEvent)
	for rows.Next() {
		var out types.OutputReceiptEvent
		var id types.StreamPosition
		if err = rows.Scan(&id, &out.RoomID, &out.Type, &out.UserID, &out.EventID, &out.Timestamp); err != nil {
			return nil, err
		}
		latest[out.RoomID+"|"+out.Type+"|"+out.UserID] = out
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	deliveredRows, err := sqlutil.TxStmt(txn, r.selectConnectionReceipts).QueryContext(ctx, connectionKey)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, deliveredRows, "SelectLatestUserReceiptsForConnection: deliveredRows.close() failed")
	delivered := make(map[string]string)
	for deliveredRows.Next() {
		var roomID, receiptType, uID, eventID string
		var ts spec.Timestamp
		if err = deliveredRows.Scan(&roomID, &receiptType, &uID, &eventID, &ts); err != nil {
			return nil, err
		}
		delivered[roomID+"|"+receiptType+"|"+uID] = eventID
	}

	var result []types.OutputReceiptEvent
	for key, r := range latest {
		if last, ok := delivered[key]; !ok || last != r.EventID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (r *receiptStatements) UpsertConnectionReceipt(ctx context.Context, txn *sql.Tx, connectionKey int64, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) error {
	_, err := sqlutil.TxStmt(txn, r.upsertConnectionReceipt).ExecContext(ctx, connectionKey, roomID, receiptType, userID, eventID, timestamp)
	return err
}

func (r *receiptStatements) DeleteConnectionReceipts(ctx context.Context, txn *sql.Tx, connectionKey int64) error {
	_, err := sqlutil.TxStmt(txn, r.deleteConnectionReceipts).ExecContext(ctx, connectionKey)
	return err
}

var _ tables.Receipts = &receiptStatements{}
