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
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	rstypes "github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
	"github.com/matrixcore/homeserver/syncapi/synctypes"
	"github.com/matrixcore/homeserver/syncapi/types"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_output_room_events (
	id INTEGER PRIMARY KEY,
	room_id TEXT NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	event_json TEXT NOT NULL,
	room_version TEXT NOT NULL,
	add_state_ids TEXT NOT NULL DEFAULT '[]',
	remove_state_ids TEXT NOT NULL DEFAULT '[]',
	device_id TEXT,
	session_id TEXT,
	exclude_from_sync BOOLEAN NOT NULL DEFAULT FALSE,
	depth INTEGER NOT NULL DEFAULT 0,
	type TEXT NOT NULL,
	sender TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS syncapi_output_room_events_room_id ON syncapi_output_room_events(room_id, id);`

const insertEventSQL = `
INSERT INTO syncapi_output_room_events
  (id, room_id, event_id, event_json, room_version, add_state_ids, remove_state_ids, device_id, session_id, exclude_from_sync, depth, type, sender)
  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
  ON CONFLICT (event_id) DO UPDATE SET exclude_from_sync = $10`

const selectStreamPositionForEventSQL = `SELECT id FROM syncapi_output_room_events WHERE event_id = $1`

const selectMaxEventIDSQL = `SELECT CASE COUNT(*) WHEN 0 THEN 0 ELSE MAX(id) END FROM syncapi_output_room_events`

const selectRecentEventsASCSQL = `
SELECT id, event_json, room_version, exclude_from_sync, device_id, session_id, type, sender
  FROM syncapi_output_room_events
  WHERE room_id IN ($1) AND id > $2 AND id <= $3
  ORDER BY id ASC`

const selectRecentEventsDESCSQL = `
SELECT id, event_json, room_version, exclude_from_sync, device_id, session_id, type, sender
  FROM syncapi_output_room_events
  WHERE room_id IN ($1) AND id > $2 AND id <= $3
  ORDER BY id DESC`

const selectContextEventSQL = `
SELECT id, event_json, room_version FROM syncapi_output_room_events
  WHERE room_id = $1 AND event_id = $2`

const selectContextBeforeEventSQL = `
SELECT event_json, room_version, type, sender FROM syncapi_output_room_events
  WHERE room_id = $1 AND id < $2
  ORDER BY id DESC LIMIT $3`

const selectContextAfterEventSQL = `
SELECT id, event_json, room_version, type, sender FROM syncapi_output_room_events
  WHERE room_id = $1 AND id > $2
  ORDER BY id ASC LIMIT $3`

const updateEventJSONSQL = `UPDATE syncapi_output_room_events SET event_json = $1 WHERE event_id = $2`

const purgeEventsSQL = `DELETE FROM syncapi_output_room_events WHERE room_id = $1`

const selectEventPositionInTopologySQL = `SELECT depth, id FROM syncapi_output_room_events WHERE event_id = $1`

type outputRoomEventsStatements struct {
	db                           *sql.DB
	streamIDStatements           *StreamIDStatements
	insertEvent                  *sql.Stmt
	selectStreamPositionForEvent *sql.Stmt
	selectMaxEventID             *sql.Stmt
	selectContextEvent           *sql.Stmt
	selectContextBeforeEvent     *sql.Stmt
	selectContextAfterEvent      *sql.Stmt
	updateEventJSON              *sql.Stmt
	purgeEvents                  *sql.Stmt
	selectEventPositionInTopology *sql.Stmt
}

func NewSqliteEventsTable(db *sql.DB, streamID *StreamIDStatements) (tables.Events, error) {
	_, err := db.Exec(eventsSchema)
	if err != nil {
		return nil, err
	}
	s := &outputRoomEventsStatements{db: db, streamIDStatements: streamID}
	return s, sqlutil.StatementList{
		{&s.insertEvent, insertEventSQL},
		{&s.selectStreamPositionForEvent, selectStreamPositionForEventSQL},
		{&s.selectMaxEventID, selectMaxEventIDSQL},
		{&s.selectContextEvent, selectContextEventSQL},
		{&s.selectContextBeforeEvent, selectContextBeforeEventSQL},
		{&s.selectContextAfterEvent, selectContextAfterEventSQL},
		{&s.updateEventJSON, updateEventJSONSQL},
		{&s.purgeEvents, purgeEventsSQL},
		{&s.selectEventPositionInTopology, selectEventPositionInTopologySQL},
	}.Prepare(db)
}

func (s *outputRoomEventsStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, event *rstypes.HeaderedEvent,
	addStateEventIDs, removeStateEventIDs []string,
	topologicalPosition types.StreamPosition, excludeFromSync bool, transactionID *types.TransactionID,
) (streamPos types.StreamPosition, err error) {
	addIDs, err := json.Marshal(addStateEventIDs)
	if err != nil {
		return 0, err
	}
	removeIDs, err := json.Marshal(removeStateEventIDs)
	if err != nil {
		return 0, err
	}
	var deviceID, sessionID *string
	if transactionID != nil {
		deviceID = &transactionID.DeviceID
		sessionID = &transactionID.SessionID
	}
	pos, err := s.streamIDStatements.nextPDUID(ctx, txn)
	if err != nil {
		return 0, err
	}
	stmt := sqlutil.TxStmt(txn, s.insertEvent)
	_, err = stmt.ExecContext(
		ctx, pos, event.RoomID().String(), event.EventID(), event.JSON(), event.Version(),
		addIDs, removeIDs, deviceID, sessionID, excludeFromSync, event.Depth(), event.Type(), string(event.SenderID()),
	)
	if err != nil {
		return 0, err
	}
	return pos, nil
}

func (s *outputRoomEventsStatements) SelectStreamPositionForEvent(ctx context.Context, txn *sql.Tx, eventID string) (types.StreamPosition, error) {
	var pos types.StreamPosition
	err := sqlutil.TxStmt(txn, s.selectStreamPositionForEvent).QueryRowContext(ctx, eventID).Scan(&pos)
	return pos, err
}

func (s *outputRoomEventsStatements) SelectMaxEventID(ctx context.Context, txn *sql.Tx) (int64, error) {
	var id int64
	err := sqlutil.TxStmt(txn, s.selectMaxEventID).QueryRowContext(ctx).Scan(&id)
	return id, err
}

func (s *outputRoomEventsStatements) selectEventsForRooms(ctx context.Context, txn *sql.Tx, roomIDs []string, low, high types.StreamPosition, chronologicalOrder bool) (*sql.Rows, func(), error) {
	sqlStr := selectRecentEventsASCSQL
	if !chronologicalOrder {
		sqlStr = selectRecentEventsDESCSQL
	}
	query := strings.Replace(sqlStr, "($1)", sqlutil.QueryVariadic(len(roomIDs)), 1)
	query = strings.Replace(query, "$2", fmt.Sprintf("$%d", len(roomIDs)+1), 1)
	query = strings.Replace(query, "$3", fmt.Sprintf("$%d", len(roomIDs)+2), 1)
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	args := make([]interface{}, 0, len(roomIDs)+2)
	for _, r := range roomIDs {
		args = append(args, r)
	}
	args = append(args, low, high)
	rows, err := sqlutil.TxStmt(txn, stmt).QueryContext(ctx, args...)
	if err != nil {
		return nil, nil, err
	}
	return rows, func() { internal.CloseAndLogIfError(ctx, stmt, "selectEventsForRooms: stmt.close() failed") }, nil
}

func (s *outputRoomEventsStatements) SelectRecentEvents(ctx context.Context, txn *sql.Tx, roomIDs []string, r types.Range, eventFilter *synctypes.RoomEventFilter, chronologicalOrder, onlySyncEvents bool) (map[string]types.RecentEvents, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	rows, closeStmt, err := s.selectEventsForRooms(ctx, txn, roomIDs, r.Low(), r.High(), chronologicalOrder)
	if err != nil {
		return nil, err
	}
	defer closeStmt()
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRecentEvents: rows.close() failed")

	limit := 20
	if eventFilter != nil && eventFilter.Limit > 0 {
		limit = eventFilter.Limit
	}
	perRoom := make(map[string][]types.StreamEvent)
	for rows.Next() {
		var id types.StreamPosition
		var eventJSON []byte
		var roomVersion string
		var excludeFromSync bool
		var deviceID sql.NullString
		var sessionID sql.NullString
		var evType, sender string
		if err = rows.Scan(&id, &eventJSON, &roomVersion, &excludeFromSync, &deviceID, &sessionID, &evType, &sender); err != nil {
			return nil, err
		}
		if onlySyncEvents && excludeFromSync {
			continue
		}
		he, perr := parseHeaderedEvent(eventJSON, roomVersion)
		if perr != nil {
			return nil, perr
		}
		roomID := he.RoomID().String()
		if eventFilter != nil && !eventFilter.Matches(evType, sender, roomID) {
			continue
		}
		se := types.StreamEvent{HeaderedEvent: he, StreamPosition: id, ExcludeFromSync: excludeFromSync}
		if deviceID.Valid {
			se.TransactionID = &types.TransactionID{DeviceID: deviceID.String, SessionID: sessionID.String}
		}
		perRoom[roomID] = append(perRoom[roomID], se)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	result := make(map[string]types.RecentEvents, len(perRoom))
	for roomID, events := range perRoom {
		limited := false
		if len(events) > limit {
			events = events[len(events)-limit:]
			limited = true
		}
		result[roomID] = types.RecentEvents{Events: events, Limited: limited}
	}
	return result, nil
}

func (s *outputRoomEventsStatements) SelectEarlyEvents(ctx context.Context, txn *sql.Tx, roomID string, r types.Range, eventFilter *synctypes.RoomEventFilter) ([]types.StreamEvent, error) {
	rows, closeStmt, err := s.selectEventsForRooms(ctx, txn, []string{roomID}, r.Low(), r.High(), true)
	if err != nil {
		return nil, err
	}
	defer closeStmt()
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEarlyEvents: rows.close() failed")
	var out []types.StreamEvent
	for rows.Next() {
		var id types.StreamPosition
		var eventJSON []byte
		var roomVersion string
		var excludeFromSync bool
		var deviceID sql.NullString
		var sessionID sql.NullString
		var evType, sender string
		if err = rows.Scan(&id, &eventJSON, &roomVersion, &excludeFromSync, &deviceID, &sessionID, &evType, &sender); err != nil {
			return nil, err
		}
		he, perr := parseHeaderedEvent(eventJSON, roomVersion)
		if perr != nil {
			return nil, perr
		}
		if eventFilter != nil && !eventFilter.Matches(evType, sender, he.RoomID().String()) {
			continue
		}
		out = append(out, types.StreamEvent{HeaderedEvent: he, StreamPosition: id, ExcludeFromSync: excludeFromSync})
	}
	return out, rows.Err()
}

func (s *outputRoomEventsStatements) SelectContextEvent(ctx context.Context, txn *sql.Tx, roomID, eventID string) (int, types.StreamEvent, error) {
	var id types.StreamPosition
	var eventJSON []byte
	var roomVersion string
	err := sqlutil.TxStmt(txn, s.selectContextEvent).QueryRowContext(ctx, roomID, eventID).Scan(&id, &eventJSON, &roomVersion)
	if err != nil {
		return 0, types.StreamEvent{}, err
	}
	he, perr := parseHeaderedEvent(eventJSON, roomVersion)
	if perr != nil {
		return 0, types.StreamEvent{}, perr
	}
	return int(id), types.StreamEvent{HeaderedEvent: he, StreamPosition: id}, nil
}

func (s *outputRoomEventsStatements) SelectContextBeforeEvent(ctx context.Context, txn *sql.Tx, id int, roomID string, filter *synctypes.RoomEventFilter) ([]*rstypes.HeaderedEvent, error) {
	limit := 10
	if filter != nil && filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := sqlutil.TxStmt(txn, s.selectContextBeforeEvent).QueryContext(ctx, roomID, id, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectContextBeforeEvent: rows.close() failed")
	var out []*rstypes.HeaderedEvent
	for rows.Next() {
		var eventJSON []byte
		var roomVersion, evType, sender string
		if err = rows.Scan(&eventJSON, &roomVersion, &evType, &sender); err != nil {
			return nil, err
		}
		he, perr := parseHeaderedEvent(eventJSON, roomVersion)
		if perr != nil {
			return nil, perr
		}
		if filter != nil && !filter.Matches(evType, sender, he.RoomID().String()) {
			continue
		}
		out = append(out, he)
	}
	return out, rows.Err()
}

func (s *outputRoomEventsStatements) SelectContextAfterEvent(ctx context.Context, txn *sql.Tx, id int, roomID string, filter *synctypes.RoomEventFilter) (int, []*rstypes.HeaderedEvent, error) {
	limit := 10
	if filter != nil && filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := sqlutil.TxStmt(txn, s.selectContextAfterEvent).QueryContext(ctx, roomID, id, limit)
	if err != nil {
		return 0, nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectContextAfterEvent: rows.close() failed")
	var out []*rstypes.HeaderedEvent
	var lastID int
	for rows.Next() {
		var rowID types.StreamPosition
		var eventJSON []byte
		var roomVersion, evType, sender string
		if err = rows.Scan(&rowID, &eventJSON, &roomVersion, &evType, &sender); err != nil {
			return 0, nil, err
		}
		lastID = int(rowID)
		he, perr := parseHeaderedEvent(eventJSON, roomVersion)
		if perr != nil {
			return 0, nil, perr
		}
		if filter != nil && !filter.Matches(evType, sender, he.RoomID().String()) {
			continue
		}
		out = append(out, he)
	}
	return lastID, out, rows.Err()
}

func (s *outputRoomEventsStatements) UpdateEventJSON(ctx context.Context, txn *sql.Tx, event gomatrixserverlib.PDU) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventJSON).ExecContext(ctx, event.JSON(), event.EventID())
	return err
}

func (s *outputRoomEventsStatements) PurgeEvents(ctx context.Context, txn *sql.Tx, roomID string) error {
	_, err := sqlutil.TxStmt(txn, s.purgeEvents).ExecContext(ctx, roomID)
	return err
}

func (s *outputRoomEventsStatements) SelectEventPositionInTopology(ctx context.Context, txn *sql.Tx, eventID string) (types.TopologyToken, error) {
	var depth, pos types.StreamPosition
	err := sqlutil.TxStmt(txn, s.selectEventPositionInTopology).QueryRowContext(ctx, eventID).Scan(&depth, &pos)
	return types.TopologyToken{Depth: depth, PDUPosition: pos}, err
}

var _ tables.Events = &outputRoomEventsStatements{}
