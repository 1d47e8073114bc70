// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	rstypes "github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
	"github.com/matrixcore/homeserver/syncapi/synctypes"
	"github.com/matrixcore/homeserver/syncapi/types"
)

const currentRoomStateSchema = `
CREATE TABLE IF NOT EXISTS syncapi_current_room_state (
	room_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	type TEXT NOT NULL,
	sender TEXT NOT NULL,
	state_key TEXT NOT NULL,
	event_json TEXT NOT NULL,
	room_version TEXT NOT NULL,
	membership TEXT,
	added_at INTEGER NOT NULL,
	CONSTRAINT syncapi_current_room_state_unique UNIQUE (room_id, type, state_key)
);
CREATE INDEX IF NOT EXISTS syncapi_current_room_state_event_id ON syncapi_current_room_state(event_id);
CREATE INDEX IF NOT EXISTS syncapi_current_room_state_membership ON syncapi_current_room_state(type, state_key, membership);`

const upsertRoomStateSQL = `
INSERT INTO syncapi_current_room_state (room_id, event_id, type, sender, state_key, event_json, room_version, membership, added_at)
  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
  ON CONFLICT (room_id, type, state_key)
  DO UPDATE SET event_id = $2, sender = $4, event_json = $6, room_version = $7, membership = $8, added_at = $9`

const deleteRoomStateByEventIDSQL = `DELETE FROM syncapi_current_room_state WHERE event_id = $1`

const selectStateEventSQL = `
SELECT event_json, room_version FROM syncapi_current_room_state
  WHERE room_id = $1 AND type = $2 AND state_key = $3`

const selectEventsWithEventIDsSQL = `
SELECT added_at, event_json, room_version FROM syncapi_current_room_state WHERE event_id IN ($1)`

const selectCurrentStateSQL = `
SELECT event_json, room_version FROM syncapi_current_room_state WHERE room_id = $1`

const selectRoomIDsWithMembershipSQL = `
SELECT room_id FROM syncapi_current_room_state
  WHERE type = 'm.room.member' AND state_key = $1 AND membership = $2`

const selectJoinedUsersSQL = `
SELECT room_id, state_key FROM syncapi_current_room_state
  WHERE type = 'm.room.member' AND membership = 'join'`

const selectJoinedUsersInRoomSQL = `
SELECT room_id, state_key FROM syncapi_current_room_state
  WHERE type = 'm.room.member' AND membership = 'join' AND room_id IN ($1)`

const selectRoomMembershipForUserSQL = `
SELECT membership, event_id, added_at FROM syncapi_current_room_state
  WHERE room_id = $1 AND type = 'm.room.member' AND state_key = $2 AND added_at <= $3
  ORDER BY added_at DESC LIMIT 1`

const selectMembershipCountSQL = `
SELECT COUNT(*) FROM syncapi_current_room_state
  WHERE room_id = $1 AND type = 'm.room.member' AND membership = $2 AND added_at <= $3`

const purgeRoomStateSQL = `DELETE FROM syncapi_current_room_state WHERE room_id = $1`

type currentRoomStateStatements struct {
	db                          *sql.DB
	upsertRoomState             *sql.Stmt
	deleteRoomStateByEventID    *sql.Stmt
	selectStateEvent            *sql.Stmt
	selectCurrentState          *sql.Stmt
	selectRoomIDsWithMembership *sql.Stmt
	selectJoinedUsers           *sql.Stmt
	selectRoomMembershipForUser *sql.Stmt
	selectMembershipCount       *sql.Stmt
	purgeRoomState              *sql.Stmt
}

func NewSqliteCurrentRoomStateTable(db *sql.DB) (tables.CurrentRoomState, error) {
	_, err := db.Exec(currentRoomStateSchema)
	if err != nil {
		return nil, err
	}
	s := &currentRoomStateStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertRoomState, upsertRoomStateSQL},
		{&s.deleteRoomStateByEventID, deleteRoomStateByEventIDSQL},
		{&s.selectStateEvent, selectStateEventSQL},
		{&s.selectCurrentState, selectCurrentStateSQL},
		{&s.selectRoomIDsWithMembership, selectRoomIDsWithMembershipSQL},
		{&s.selectJoinedUsers, selectJoinedUsersSQL},
		{&s.selectRoomMembershipForUser, selectRoomMembershipForUserSQL},
		{&s.selectMembershipCount, selectMembershipCountSQL},
		{&s.purgeRoomState, purgeRoomStateSQL},
	}.Prepare(db)
}

func (s *currentRoomStateStatements) UpsertRoomState(ctx context.Context, txn *sql.Tx, event *rstypes.HeaderedEvent, membership *string, addedAt types.StreamPosition) error {
	stateKey := ""
	if sk := event.StateKey(); sk != nil {
		stateKey = *sk
	}
	_, err := sqlutil.TxStmt(txn, s.upsertRoomState).ExecContext(
		ctx, event.RoomID().String(), event.EventID(), event.Type(), string(event.SenderID()), stateKey,
		event.JSON(), event.Version(), membership, addedAt,
	)
	return err
}

func (s *currentRoomStateStatements) DeleteRoomStateByEventID(ctx context.Context, txn *sql.Tx, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteRoomStateByEventID).ExecContext(ctx, eventID)
	return err
}

func parseHeaderedEvent(eventJSON []byte, roomVersion string) (*rstypes.HeaderedEvent, error) {
	verImpl, err := gomatrixserverlib.GetRoomVersion(gomatrixserverlib.RoomVersion(roomVersion))
	if err != nil {
		return nil, err
	}
	pdu, err := verImpl.NewEventFromTrustedJSON(eventJSON, false)
	if err != nil {
		return nil, err
	}
	return &rstypes.HeaderedEvent{PDU: pdu}, nil
}

func (s *currentRoomStateStatements) SelectStateEvent(ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string) (*rstypes.HeaderedEvent, error) {
	var eventJSON []byte
	var roomVersion string
	err := sqlutil.TxStmt(txn, s.selectStateEvent).QueryRowContext(ctx, roomID, evType, stateKey).Scan(&eventJSON, &roomVersion)
	if err != nil {
		return nil, err
	}
	return parseHeaderedEvent(eventJSON, roomVersion)
}

func (s *currentRoomStateStatements) SelectEventsWithEventIDs(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]types.StreamEvent, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	query := strings.Replace(selectEventsWithEventIDsSQL, "($1)", sqlutil.QueryVariadic(len(eventIDs)), 1)
	params := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		params[i] = id
	}
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectEventsWithEventIDs: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventsWithEventIDs: rows.close() failed")
	var out []types.StreamEvent
	for rows.Next() {
		var addedAt types.StreamPosition
		var eventJSON []byte
		var roomVersion string
		if err = rows.Scan(&addedAt, &eventJSON, &roomVersion); err != nil {
			return nil, err
		}
		he, perr := parseHeaderedEvent(eventJSON, roomVersion)
		if perr != nil {
			return nil, perr
		}
		out = append(out, types.StreamEvent{HeaderedEvent: he, StreamPosition: addedAt})
	}
	return out, rows.Err()
}

func (s *currentRoomStateStatements) SelectCurrentState(ctx context.Context, txn *sql.Tx, roomID string, stateFilter *synctypes.StateFilter, excludeEventIDs []string) ([]*rstypes.HeaderedEvent, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectCurrentState).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectCurrentState: rows.close() failed")
	exclude := make(map[string]bool, len(excludeEventIDs))
	for _, id := range excludeEventIDs {
		exclude[id] = true
	}
	var out []*rstypes.HeaderedEvent
	for rows.Next() {
		var eventJSON []byte
		var roomVersion string
		if err = rows.Scan(&eventJSON, &roomVersion); err != nil {
			return nil, err
		}
		he, perr := parseHeaderedEvent(eventJSON, roomVersion)
		if perr != nil {
			return nil, perr
		}
		if exclude[he.EventID()] {
			continue
		}
		if stateFilter != nil && !stateEventAllowed(stateFilter, he) {
			continue
		}
		out = append(out, he)
		if stateFilter != nil && stateFilter.Limit > 0 && len(out) >= stateFilter.Limit {
			break
		}
	}
	return out, rows.Err()
}

func stateEventAllowed(f *synctypes.StateFilter, e *rstypes.HeaderedEvent) bool {
	asRoomFilter := synctypes.RoomEventFilter{
		Types: f.Types, NotTypes: f.NotTypes, Senders: f.Senders, NotSenders: f.NotSenders,
		Rooms: f.Rooms, NotRooms: f.NotRooms,
	}
	return asRoomFilter.Matches(e.Type(), string(e.SenderID()), e.RoomID().String())
}

func (s *currentRoomStateStatements) SelectRoomIDsWithMembership(ctx context.Context, txn *sql.Tx, userID, membership string) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomIDsWithMembership).QueryContext(ctx, userID, membership)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomIDsWithMembership: rows.close() failed")
	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

func (s *currentRoomStateStatements) SelectJoinedUsers(ctx context.Context, txn *sql.Tx) (map[string][]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectJoinedUsers).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectJoinedUsers: rows.close() failed")
	return scanRoomUserRows(rows)
}

func (s *currentRoomStateStatements) SelectJoinedUsersInRoom(ctx context.Context, txn *sql.Tx, roomIDs []string) (map[string][]string, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	query := strings.Replace(selectJoinedUsersInRoomSQL, "($1)", sqlutil.QueryVariadic(len(roomIDs)), 1)
	params := make([]interface{}, len(roomIDs))
	for i, id := range roomIDs {
		params[i] = id
	}
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectJoinedUsersInRoom: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectJoinedUsersInRoom: rows.close() failed")
	return scanRoomUserRows(rows)
}

func scanRoomUserRows(rows *sql.Rows) (map[string][]string, error) {
	result := make(map[string][]string)
	for rows.Next() {
		var roomID, userID string
		if err := rows.Scan(&roomID, &userID); err != nil {
			return nil, err
		}
		result[roomID] = append(result[roomID], userID)
	}
	return result, rows.Err()
}

func (s *currentRoomStateStatements) SelectRoomMembershipForUser(ctx context.Context, txn *sql.Tx, roomID, userID string, pos types.StreamPosition) (membership, eventID string, streamPos types.StreamPosition, err error) {
	err = sqlutil.TxStmt(txn, s.selectRoomMembershipForUser).QueryRowContext(ctx, roomID, userID, pos).Scan(&membership, &eventID, &streamPos)
	if err == sql.ErrNoRows {
		return "", "", 0, nil
	}
	return
}

func (s *currentRoomStateStatements) SelectMembershipCount(ctx context.Context, txn *sql.Tx, roomID, membership string, pos types.StreamPosition) (int, error) {
	var count int
	err := sqlutil.TxStmt(txn, s.selectMembershipCount).QueryRowContext(ctx, roomID, membership, pos).Scan(&count)
	return count, err
}

func (s *currentRoomStateStatements) PurgeRoomState(ctx context.Context, txn *sql.Tx, roomID string) error {
	_, err := sqlutil.TxStmt(txn, s.purgeRoomState).ExecContext(ctx, roomID)
	return err
}

var _ tables.CurrentRoomState = &currentRoomStateStatements{}
