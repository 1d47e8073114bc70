// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	rstypes "github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
	"github.com/matrixcore/homeserver/syncapi/types"
)

const invitesSchema = `
CREATE TABLE IF NOT EXISTS syncapi_invite_events (
	id INTEGER PRIMARY KEY,
	event_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	target_user_id TEXT NOT NULL,
	room_version TEXT NOT NULL,
	event_json TEXT NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS syncapi_invites_target ON syncapi_invite_events(target_user_id);`

const insertInviteEventSQL = `
INSERT INTO syncapi_invite_events (id, event_id, room_id, target_user_id, room_version, event_json, deleted)
  VALUES ($1, $2, $3, $4, $5, $6, FALSE)`

const deleteInviteEventSQL = `
UPDATE syncapi_invite_events SET deleted = TRUE, id = $2
  WHERE event_id = $1 AND deleted = FALSE`

const selectInviteEventsInRangeSQL = `
SELECT id, room_id, event_json, room_version, deleted FROM syncapi_invite_events
  WHERE target_user_id = $1 AND id > $2 AND id <= $3
  ORDER BY id ASC`

const selectMaxInviteIDSQL = `SELECT CASE COUNT(*) WHEN 0 THEN 0 ELSE MAX(id) END FROM syncapi_invite_events`

const purgeInvitesSQL = `DELETE FROM syncapi_invite_events WHERE room_id = $1`

type inviteEventsStatements struct {
	db                        *sql.DB
	streamIDStatements        *StreamIDStatements
	insertInviteEvent         *sql.Stmt
	deleteInviteEvent         *sql.Stmt
	selectInviteEventsInRange *sql.Stmt
	selectMaxInviteID         *sql.Stmt
	purgeInvites              *sql.Stmt
}

func NewSqliteInvitesTable(db *sql.DB, streamID *StreamIDStatements) (tables.Invites, error) {
	_, err := db.Exec(invitesSchema)
	if err != nil {
		return nil, err
	}
	s := &inviteEventsStatements{db: db, streamIDStatements: streamID}
	return s, sqlutil.StatementList{
		{&s.insertInviteEvent, insertInviteEventSQL},
		{&s.deleteInviteEvent, deleteInviteEventSQL},
		{&s.selectInviteEventsInRange, selectInviteEventsInRangeSQL},
		{&s.selectMaxInviteID, selectMaxInviteIDSQL},
		{&s.purgeInvites, purgeInvitesSQL},
	}.Prepare(db)
}

func (s *inviteEventsStatements) InsertInviteEvent(ctx context.Context, txn *sql.Tx, inviteEvent *rstypes.HeaderedEvent) (types.StreamPosition, error) {
	pos, err := s.streamIDStatements.nextInviteID(ctx, txn)
	if err != nil {
		return 0, err
	}
	targetUserID, _ := targetUserIDFromInvite(inviteEvent)
	_, err = sqlutil.TxStmt(txn, s.insertInviteEvent).ExecContext(ctx, pos, inviteEvent.EventID(), inviteEvent.RoomID().String(), targetUserID, inviteEvent.Version(), inviteEvent.JSON())
	return pos, err
}

func (s *inviteEventsStatements) DeleteInviteEvent(ctx context.Context, txn *sql.Tx, inviteEventID string) (types.StreamPosition, error) {
	newPos, err := s.streamIDStatements.nextInviteID(ctx, txn)
	if err != nil {
		return 0, err
	}
	if _, err = sqlutil.TxStmt(txn, s.deleteInviteEvent).ExecContext(ctx, inviteEventID, newPos); err != nil {
		return 0, err
	}
	return newPos, nil
}

func (s *inviteEventsStatements) SelectInviteEventsInRange(ctx context.Context, txn *sql.Tx, targetUserID string, r types.Range) (map[string]*rstypes.HeaderedEvent, map[string]*rstypes.HeaderedEvent, types.StreamPosition, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectInviteEventsInRange).QueryContext(ctx, targetUserID, r.Low(), r.High())
	if err != nil {
		return nil, nil, 0, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectInviteEventsInRange: rows.close() failed")

	invited := make(map[string]*rstypes.HeaderedEvent)
	retired := make(map[string]*rstypes.HeaderedEvent)
	var lastPos types.StreamPosition
	for rows.Next() {
		var id types.StreamPosition
		var roomID, eventJSON, roomVersion string
		var deleted bool
		if err = rows.Scan(&id, &roomID, &eventJSON, &roomVersion, &deleted); err != nil {
			return nil, nil, 0, err
		}
		verImpl, verErr := gomatrixserverlib.GetRoomVersion(gomatrixserverlib.RoomVersion(roomVersion))
		if verErr != nil {
			return nil, nil, 0, verErr
		}
		pdu, perr := verImpl.NewEventFromTrustedJSON([]byte(eventJSON), false)
		if perr != nil {
			return nil, nil, 0, perr
		}
		he := &rstypes.HeaderedEvent{PDU: pdu}
		if deleted {
			retired[roomID] = he
		} else {
			invited[roomID] = he
		}
		if id > lastPos {
			lastPos = id
		}
	}
	return invited, retired, lastPos, rows.Err()
}

func (s *inviteEventsStatements) SelectMaxInviteID(ctx context.Context, txn *sql.Tx) (int64, error) {
	var id int64
	err := sqlutil.TxStmt(txn, s.selectMaxInviteID).QueryRowContext(ctx).Scan(&id)
	return id, err
}

func (s *inviteEventsStatements) PurgeInvites(ctx context.Context, txn *sql.Tx, roomID string) error {
	_, err := sqlutil.TxStmt(txn, s.purgeInvites).ExecContext(ctx, roomID)
	return err
}

func targetUserIDFromInvite(event *rstypes.HeaderedEvent) (string, bool) {
	if sk := event.StateKey(); sk != nil {
		return *sk, true
	}
	return "", false
}

var _ tables.Invites = &inviteEventsStatements{}
