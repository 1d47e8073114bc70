// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/roomserver/types"
)

const eventTypesSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_types (
	event_type_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL UNIQUE
);
INSERT OR IGNORE INTO roomserver_event_types (event_type_nid, event_type) VALUES
	(1, 'm.room.create'), (2, 'm.room.power_levels'), (3, 'm.room.join_rules'),
	(4, 'm.room.member'), (5, 'm.room.third_party_invite'), (6, 'm.room.history_visibility'),
	(7, 'm.room.redaction');
`

const insertEventTypeNIDSQL = "" +
	"INSERT INTO roomserver_event_types (event_type) VALUES ($1)" +
	" ON CONFLICT (event_type) DO UPDATE SET event_type = $1"

const selectEventTypeNIDSQL = "" +
	"SELECT event_type_nid FROM roomserver_event_types WHERE event_type = $1"

type eventTypeStatements struct {
	insertEventTypeNIDStmt *sql.Stmt
	selectEventTypeNIDStmt *sql.Stmt
}

func CreateEventTypesTable(db *sql.DB) error {
	_, err := db.Exec(eventTypesSchema)
	return err
}

func PrepareEventTypesTable(db *sql.DB) (*eventTypeStatements, error) {
	s := &eventTypeStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventTypeNIDStmt, insertEventTypeNIDSQL},
		{&s.selectEventTypeNIDStmt, selectEventTypeNIDSQL},
	}.Prepare(db)
}

func (s *eventTypeStatements) InsertEventTypeNID(ctx context.Context, txn *sql.Tx, eventType string) (types.EventTypeNID, error) {
	stmt := sqlutil.TxStmt(txn, s.insertEventTypeNIDStmt)
	if _, err := stmt.ExecContext(ctx, eventType); err != nil {
		return 0, err
	}
	return s.SelectEventTypeNID(ctx, txn, eventType)
}

func (s *eventTypeStatements) SelectEventTypeNID(ctx context.Context, txn *sql.Tx, eventType string) (types.EventTypeNID, error) {
	var nid int64
	stmt := sqlutil.TxStmt(txn, s.selectEventTypeNIDStmt)
	err := stmt.QueryRowContext(ctx, eventType).Scan(&nid)
	if err != nil {
		return 0, err
	}
	return types.EventTypeNID(nid), nil
}
