// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/eventutil"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
	"github.com/matrixcore/homeserver/syncapi/types"
)

const notificationDataSchema = `
CREATE SEQUENCE IF NOT EXISTS syncapi_notification_id;

CREATE TABLE IF NOT EXISTS syncapi_notification_data (
	id BIGINT PRIMARY KEY DEFAULT nextval('syncapi_notification_id'),
	user_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	thread_root_event_id TEXT NOT NULL DEFAULT '',
	notification_count BIGINT NOT NULL DEFAULT 0,
	highlight_count BIGINT NOT NULL DEFAULT 0,
	CONSTRAINT syncapi_notifications_unique UNIQUE (user_id, room_id, thread_root_event_id)
);`

const upsertRoomUnreadNotificationCountsSQL = `
INSERT INTO syncapi_notification_data
  (user_id, room_id, thread_root_event_id, notification_count, highlight_count)
  VALUES ($1, $2, $3, $4, $5)
  ON CONFLICT (user_id, room_id, thread_root_event_id)
  DO UPDATE SET id = CASE
    WHEN syncapi_notification_data.notification_count != EXCLUDED.notification_count OR syncapi_notification_data.highlight_count != EXCLUDED.highlight_count
    THEN nextval('syncapi_notification_id') ELSE syncapi_notification_data.id END,
    notification_count = $4, highlight_count = $5
  RETURNING id`

const selectUserUnreadNotificationsForRoomsSQL = `
SELECT room_id, notification_count, highlight_count
  FROM syncapi_notification_data
  WHERE user_id = $1 AND room_id = ANY($2) AND thread_root_event_id = ''`

const selectUserUnreadThreadNotificationsForRoomsSQL = `
SELECT room_id, thread_root_event_id, notification_count, highlight_count
  FROM syncapi_notification_data
  WHERE user_id = $1 AND room_id = ANY($2) AND thread_root_event_id <> ''
    AND (notification_count > 0 OR highlight_count > 0)`

const selectMaxNotificationIDSQL = `SELECT CASE COUNT(*) WHEN 0 THEN 0 ELSE MAX(id) END FROM syncapi_notification_data`

const purgeNotificationDataSQL = `DELETE FROM syncapi_notification_data WHERE room_id = $1`

type notificationDataStatements struct {
	db                                      *sql.DB
	upsertRoomUnreadCounts                  *sql.Stmt
	selectUserUnreadNotificationsForRooms   *sql.Stmt
	selectUserUnreadThreadNotifications     *sql.Stmt
	selectMaxID                             *sql.Stmt
	purgeNotificationData                   *sql.Stmt
}

func NewPostgresNotificationDataTable(db *sql.DB) (tables.NotificationData, error) {
	_, err := db.Exec(notificationDataSchema)
	if err != nil {
		return nil, err
	}
	r := &notificationDataStatements{db: db}
	return r, sqlutil.StatementList{
		{&r.upsertRoomUnreadCounts, upsertRoomUnreadNotificationCountsSQL},
		{&r.selectUserUnreadNotificationsForRooms, selectUserUnreadNotificationsForRoomsSQL},
		{&r.selectUserUnreadThreadNotifications, selectUserUnreadThreadNotificationsForRoomsSQL},
		{&r.selectMaxID, selectMaxNotificationIDSQL},
		{&r.purgeNotificationData, purgeNotificationDataSQL},
	}.Prepare(db)
}

func (r *notificationDataStatements) UpsertRoomUnreadCounts(ctx context.Context, txn *sql.Tx, userID, roomID, threadRoot string, notificationCount, highlightCount int) (pos types.StreamPosition, err error) {
	stmt := sqlutil.TxStmt(txn, r.upsertRoomUnreadCounts)
	err = stmt.QueryRowContext(ctx, userID, roomID, threadRoot, notificationCount, highlightCount).Scan(&pos)
	return
}

func (r *notificationDataStatements) SelectUserUnreadCountsForRooms(ctx context.Context, txn *sql.Tx, userID string, roomIDs []string) (map[string]*eventutil.NotificationData, error) {
	rows, err := sqlutil.TxStmt(txn, r.selectUserUnreadNotificationsForRooms).QueryContext(ctx, userID, pq.Array(roomIDs))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectUserUnreadCountsForRooms: rows.close() failed")
	result := map[string]*eventutil.NotificationData{}
	for rows.Next() {
		var roomID string
		var notificationCount, highlightCount int
		if err = rows.Scan(&roomID, &notificationCount, &highlightCount); err != nil {
			return nil, err
		}
		result[roomID] = &eventutil.NotificationData{
			RoomID:                  roomID,
			UnreadNotificationCount: notificationCount,
			UnreadHighlightCount:    highlightCount,
		}
	}
	return result, rows.Err()
}

func (r *notificationDataStatements) SelectUserUnreadThreadCountsForRooms(ctx context.Context, txn *sql.Tx, userID string, roomIDs []string) (map[string]map[string]*eventutil.NotificationData, error) {
	rows, err := sqlutil.TxStmt(txn, r.selectUserUnreadThreadNotifications).QueryContext(ctx, userID, pq.Array(roomIDs))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectUserUnreadThreadCountsForRooms: rows.close() failed")
	result := make(map[string]map[string]*eventutil.NotificationData)
	for rows.Next() {
		var roomID, threadID string
		var notificationCount, highlightCount int
		if err = rows.Scan(&roomID, &threadID, &notificationCount, &highlightCount); err != nil {
			return nil, err
		}
		if result[roomID] == nil {
			result[roomID] = make(map[string]*eventutil.NotificationData)
		}
		result[roomID][threadID] = &eventutil.NotificationData{
			RoomID:                  roomID,
			ThreadRootEventID:       threadID,
			UnreadNotificationCount: notificationCount,
			UnreadHighlightCount:    highlightCount,
		}
	}
	return result, rows.Err()
}

func (r *notificationDataStatements) SelectMaxID(ctx context.Context, txn *sql.Tx) (int64, error) {
	var id int64
	err := sqlutil.TxStmt(txn, r.selectMaxID).QueryRowContext(ctx).Scan(&id)
	return id, err
}

func (r *notificationDataStatements) PurgeNotificationData(ctx context.Context, txn *sql.Tx, roomID string) error {
	_, err := sqlutil.TxStmt(txn, r.purgeNotificationData).ExecContext(ctx, roomID)
	return err
}

var _ tables.NotificationData = &notificationDataStatements{}
