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

const eventsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_events (
	event_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	room_nid INTEGER NOT NULL,
	event_type_nid INTEGER NOT NULL,
	event_state_key_nid INTEGER,
	event_id TEXT NOT NULL UNIQUE,
	reference_sha256 BLOB NOT NULL,
	auth_event_nids TEXT NOT NULL DEFAULT '[]',
	depth INTEGER NOT NULL,
	is_rejected BOOLEAN NOT NULL DEFAULT 0,
	state_snapshot_nid INTEGER NOT NULL DEFAULT 0,
	redacted_because TEXT
);

CREATE INDEX IF NOT EXISTS idx_roomserver_events_room_nid ON roomserver_events(room_nid);
`

const insertEventSQL = "" +
	"INSERT INTO roomserver_events (room_nid, event_type_nid, event_state_key_nid, event_id, reference_sha256, auth_event_nids, depth, is_rejected)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)" +
	" ON CONFLICT (event_id) DO UPDATE SET event_id = $4"

const selectEventSQL = "" +
	"SELECT event_nid, state_snapshot_nid FROM roomserver_events WHERE event_id = $1"

const updateEventStateSQL = "" +
	"UPDATE roomserver_events SET state_snapshot_nid = $2 WHERE event_nid = $1"

const markEventRejectedSQL = "" +
	"UPDATE roomserver_events SET is_rejected = 1 WHERE event_nid = $1"

const markRedactedSQL = "" +
	"UPDATE roomserver_events SET redacted_because = $2 WHERE event_id = $1 AND redacted_because IS NULL"

const selectStreamPositionForEventSQL = "" +
	"SELECT event_nid FROM roomserver_events WHERE event_nid = $1"

type eventStatements struct {
	insertEventStmt                  *sql.Stmt
	selectEventStmt                  *sql.Stmt
	updateEventStateStmt             *sql.Stmt
	markEventRejectedStmt            *sql.Stmt
	markRedactedStmt                 *sql.Stmt
	selectStreamPositionForEventStmt *sql.Stmt
	db                               *sql.DB
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (*eventStatements, error) {
	s := &eventStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventStmt, selectEventSQL},
		{&s.updateEventStateStmt, updateEventStateSQL},
		{&s.markEventRejectedStmt, markEventRejectedSQL},
		{&s.markRedactedStmt, markRedactedSQL},
		{&s.selectStreamPositionForEventStmt, selectStreamPositionForEventSQL},
	}.Prepare(db)
}

func (s *eventStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx,
	roomNID types.RoomNID, eventTypeNID types.EventTypeNID, eventStateKeyNID *types.EventStateKeyNID,
	eventID string, referenceSHA256 []byte, authEventNIDs []types.EventNID, depth int64, isRejected bool,
) (types.EventNID, types.StateSnapshotNID, error) {
	var stateKeyNID *int64
	if eventStateKeyNID != nil {
		v := int64(*eventStateKeyNID)
		stateKeyNID = &v
	}
	auth := make([]int64, len(authEventNIDs))
	for i, a := range authEventNIDs {
		auth[i] = int64(a)
	}
	data, err := json.Marshal(auth)
	if err != nil {
		return 0, 0, err
	}
	stmt := sqlutil.TxStmt(txn, s.insertEventStmt)
	if _, err := stmt.ExecContext(ctx, int64(roomNID), int64(eventTypeNID), stateKeyNID, eventID, referenceSHA256, string(data), depth, isRejected); err != nil {
		return 0, 0, err
	}
	return s.SelectEvent(ctx, txn, eventID)
}

func (s *eventStatements) SelectEvent(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, types.StateSnapshotNID, error) {
	var nid, stateNID int64
	stmt := sqlutil.TxStmt(txn, s.selectEventStmt)
	err := stmt.QueryRowContext(ctx, eventID).Scan(&nid, &stateNID)
	if err != nil {
		return 0, 0, err
	}
	return types.EventNID(nid), types.StateSnapshotNID(stateNID), nil
}

func (s *eventStatements) BulkSelectEventNID(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventNID, error) {
	if len(eventIDs) == 0 {
		return map[string]types.EventNID{}, nil
	}
	query := fmt.Sprintf("SELECT event_id, event_nid FROM roomserver_events WHERE event_id IN (%s)", sqliteIn(len(eventIDs)))
	rows, err := s.query(ctx, txn, query, stringsToArgs(eventIDs)...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "BulkSelectEventNID: rows.close() failed")
	result := make(map[string]types.EventNID, len(eventIDs))
	for rows.Next() {
		var id string
		var nid int64
		if err = rows.Scan(&id, &nid); err != nil {
			return nil, err
		}
		result[id] = types.EventNID(nid)
	}
	return result, rows.Err()
}

func (s *eventStatements) SelectEventIDsForEventNIDs(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (map[types.EventNID]string, error) {
	if len(eventNIDs) == 0 {
		return map[types.EventNID]string{}, nil
	}
	nids := make([]int64, len(eventNIDs))
	for i, n := range eventNIDs {
		nids[i] = int64(n)
	}
	query := fmt.Sprintf("SELECT event_nid, event_id FROM roomserver_events WHERE event_nid IN (%s)", sqliteIn(len(nids)))
	rows, err := s.query(ctx, txn, query, int64sToArgs(nids)...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventIDsForEventNIDs: rows.close() failed")
	result := make(map[types.EventNID]string, len(eventNIDs))
	for rows.Next() {
		var nid int64
		var id string
		if err = rows.Scan(&nid, &id); err != nil {
			return nil, err
		}
		result[types.EventNID(nid)] = id
	}
	return result, rows.Err()
}

func (s *eventStatements) UpdateEventState(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, stateNID types.StateSnapshotNID) error {
	stmt := sqlutil.TxStmt(txn, s.updateEventStateStmt)
	_, err := stmt.ExecContext(ctx, int64(eventNID), int64(stateNID))
	return err
}

func (s *eventStatements) MarkEventRejected(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.markEventRejectedStmt)
	_, err := stmt.ExecContext(ctx, int64(eventNID))
	return err
}

func (s *eventStatements) MarkRedacted(ctx context.Context, txn *sql.Tx, eventID, redactedBecause string) error {
	stmt := sqlutil.TxStmt(txn, s.markRedactedStmt)
	_, err := stmt.ExecContext(ctx, eventID, redactedBecause)
	return err
}

func (s *eventStatements) SelectMaxEventDepth(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (int64, error) {
	if len(eventNIDs) == 0 {
		return 0, nil
	}
	nids := make([]int64, len(eventNIDs))
	for i, n := range eventNIDs {
		nids[i] = int64(n)
	}
	query := fmt.Sprintf("SELECT COALESCE(MAX(depth), 0) FROM roomserver_events WHERE event_nid IN (%s)", sqliteIn(len(nids)))
	row := s.queryRow(ctx, txn, query, int64sToArgs(nids)...)
	var depth int64
	err := row.Scan(&depth)
	return depth, err
}

func (s *eventStatements) SelectStreamPositionForEvent(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (int64, error) {
	var nid int64
	stmt := sqlutil.TxStmt(txn, s.selectStreamPositionForEventStmt)
	err := stmt.QueryRowContext(ctx, int64(eventNID)).Scan(&nid)
	return nid, err
}

func (s *eventStatements) query(ctx context.Context, txn *sql.Tx, query string, args ...interface{}) (*sql.Rows, error) {
	if txn != nil {
		return txn.QueryContext(ctx, query, args...)
	}
	return s.db.QueryContext(ctx, query, args...)
}

func (s *eventStatements) queryRow(ctx context.Context, txn *sql.Tx, query string, args ...interface{}) *sql.Row {
	if txn != nil {
		return txn.QueryRowContext(ctx, query, args...)
	}
	return s.db.QueryRowContext(ctx, query, args...)
}
