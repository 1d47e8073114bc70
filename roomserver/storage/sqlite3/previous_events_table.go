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

const previousEventsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_previous_events (
	previous_event_id TEXT NOT NULL,
	previous_reference_sha256 BLOB NOT NULL,
	event_nid INTEGER NOT NULL,
	PRIMARY KEY (previous_event_id, event_nid)
);
`

const insertPreviousEventSQL = "" +
	"INSERT OR IGNORE INTO roomserver_previous_events (previous_event_id, previous_reference_sha256, event_nid)" +
	" VALUES ($1, $2, $3)"

const selectPreviousEventExistsSQL = "" +
	"SELECT 1 FROM roomserver_previous_events WHERE previous_event_id = $1 LIMIT 1"

type previousEventStatements struct {
	insertPreviousEventStmt       *sql.Stmt
	selectPreviousEventExistsStmt *sql.Stmt
}

func CreatePreviousEventsTable(db *sql.DB) error {
	_, err := db.Exec(previousEventsSchema)
	return err
}

func PreparePreviousEventsTable(db *sql.DB) (*previousEventStatements, error) {
	s := &previousEventStatements{}
	return s, sqlutil.StatementList{
		{&s.insertPreviousEventStmt, insertPreviousEventSQL},
		{&s.selectPreviousEventExistsStmt, selectPreviousEventExistsSQL},
	}.Prepare(db)
}

func (s *previousEventStatements) InsertPreviousEvent(ctx context.Context, txn *sql.Tx, previousEventID string, previousEventReferenceSHA256 []byte, eventNID types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.insertPreviousEventStmt)
	_, err := stmt.ExecContext(ctx, previousEventID, previousEventReferenceSHA256, int64(eventNID))
	return err
}

func (s *previousEventStatements) SelectPreviousEventExists(ctx context.Context, txn *sql.Tx, eventID string) (bool, error) {
	var result int
	stmt := sqlutil.TxStmt(txn, s.selectPreviousEventExistsStmt)
	err := stmt.QueryRowContext(ctx, eventID).Scan(&result)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
