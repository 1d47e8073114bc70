// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/roomserver/types"
)

const eventStateKeysSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_state_keys (
	event_state_key_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	event_state_key TEXT NOT NULL UNIQUE
);
INSERT OR IGNORE INTO roomserver_event_state_keys (event_state_key_nid, event_state_key) VALUES (1, '');
`

const insertEventStateKeyNIDSQL = "" +
	"INSERT INTO roomserver_event_state_keys (event_state_key) VALUES ($1)" +
	" ON CONFLICT (event_state_key) DO UPDATE SET event_state_key = $1"

const selectEventStateKeyNIDSQL = "" +
	"SELECT event_state_key_nid FROM roomserver_event_state_keys WHERE event_state_key = $1"

type eventStateKeyStatements struct {
	insertEventStateKeyNIDStmt *sql.Stmt
	selectEventStateKeyNIDStmt *sql.Stmt
	db                         *sql.DB
}

func CreateEventStateKeysTable(db *sql.DB) error {
	_, err := db.Exec(eventStateKeysSchema)
	return err
}

func PrepareEventStateKeysTable(db *sql.DB) (*eventStateKeyStatements, error) {
	s := &eventStateKeyStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertEventStateKeyNIDStmt, insertEventStateKeyNIDSQL},
		{&s.selectEventStateKeyNIDStmt, selectEventStateKeyNIDSQL},
	}.Prepare(db)
}

func (s *eventStateKeyStatements) InsertEventStateKeyNID(ctx context.Context, txn *sql.Tx, eventStateKey string) (types.EventStateKeyNID, error) {
	stmt := sqlutil.TxStmt(txn, s.insertEventStateKeyNIDStmt)
	if _, err := stmt.ExecContext(ctx, eventStateKey); err != nil {
		return 0, err
	}
	return s.SelectEventStateKeyNID(ctx, txn, eventStateKey)
}

func (s *eventStateKeyStatements) SelectEventStateKeyNID(ctx context.Context, txn *sql.Tx, eventStateKey string) (types.EventStateKeyNID, error) {
	var nid int64
	stmt := sqlutil.TxStmt(txn, s.selectEventStateKeyNIDStmt)
	err := stmt.QueryRowContext(ctx, eventStateKey).Scan(&nid)
	if err != nil {
		return 0, err
	}
	return types.EventStateKeyNID(nid), nil
}

func (s *eventStateKeyStatements) BulkSelectEventStateKeyNID(ctx context.Context, txn *sql.Tx, eventStateKeys []string) (map[string]types.EventStateKeyNID, error) {
	if len(eventStateKeys) == 0 {
		return map[string]types.EventStateKeyNID{}, nil
	}
	query := fmt.Sprintf("SELECT event_state_key, event_state_key_nid FROM roomserver_event_state_keys WHERE event_state_key IN (%s)", sqliteIn(len(eventStateKeys)))
	db := s.db
	if txn != nil {
		rows, err := txn.QueryContext(ctx, query, stringsToArgs(eventStateKeys)...)
		if err != nil {
			return nil, err
		}
		return scanStateKeyNIDs(ctx, rows)
	}
	rows, err := db.QueryContext(ctx, query, stringsToArgs(eventStateKeys)...)
	if err != nil {
		return nil, err
	}
	return scanStateKeyNIDs(ctx, rows)
}

func scanStateKeyNIDs(ctx context.Context, rows *sql.Rows) (map[string]types.EventStateKeyNID, error) {
	defer internal.CloseAndLogIfError(ctx, rows, "BulkSelectEventStateKeyNID: rows.close() failed")
	result := map[string]types.EventStateKeyNID{}
	for rows.Next() {
		var key string
		var nid int64
		if err := rows.Scan(&key, &nid); err != nil {
			return nil, err
		}
		result[key] = types.EventStateKeyNID(nid)
	}
	return result, rows.Err()
}
