// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/roomserver/types"
)

const eventTypesSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_types (
	event_type_nid BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL UNIQUE
);
INSERT INTO roomserver_event_types (event_type_nid, event_type) VALUES
	(1, 'm.room.create'), (2, 'm.room.power_levels'), (3, 'm.room.join_rules'),
	(4, 'm.room.member'), (5, 'm.room.third_party_invite'), (6, 'm.room.history_visibility'),
	(7, 'm.room.redaction')
ON CONFLICT DO NOTHING;
`

const insertEventTypeNIDSQL = "" +
	"INSERT INTO roomserver_event_types (event_type) VALUES ($1)" +
	" ON CONFLICT (event_type) DO UPDATE SET event_type = $1 RETURNING event_type_nid"

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
	var nid int64
	stmt := sqlutil.TxStmt(txn, s.insertEventTypeNIDStmt)
	err := stmt.QueryRowContext(ctx, eventType).Scan(&nid)
	return types.EventTypeNID(nid), err
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
