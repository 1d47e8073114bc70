// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
)

// Schema for room alias resolution Aliases are stored lower-cased so two
// aliases differing only in case can never both resolve
// (roomserver/storage/sqlite3/deltas carries the equivalent backfill
// migration for existing rows).
const roomAliasesSchema = `
CREATE TABLE IF NOT EXISTS roomserver_room_aliases (
	alias TEXT NOT NULL PRIMARY KEY,
	room_id TEXT NOT NULL,
	creator_user_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_roomserver_room_aliases_room_id ON roomserver_room_aliases(room_id);
`

const insertRoomAliasSQL = "" +
	"INSERT INTO roomserver_room_aliases (alias, room_id, creator_user_id) VALUES (LOWER($1), $2, $3)" +
	" ON CONFLICT (alias) DO UPDATE SET room_id = $2, creator_user_id = $3"

const selectRoomIDFromAliasSQL = "" +
	"SELECT room_id FROM roomserver_room_aliases WHERE alias = LOWER($1)"

const selectAliasesFromRoomIDSQL = "" +
	"SELECT alias FROM roomserver_room_aliases WHERE room_id = $1"

const deleteRoomAliasSQL = "" +
	"DELETE FROM roomserver_room_aliases WHERE alias = LOWER($1)"

type roomAliasStatements struct {
	insertRoomAliasStmt        *sql.Stmt
	selectRoomIDFromAliasStmt  *sql.Stmt
	selectAliasesFromRoomIDStmt *sql.Stmt
	deleteRoomAliasStmt        *sql.Stmt
}

func CreateRoomAliasesTable(db *sql.DB) error {
	_, err := db.Exec(roomAliasesSchema)
	return err
}

func PrepareRoomAliasesTable(db *sql.DB) (*roomAliasStatements, error) {
	s := &roomAliasStatements{}
	return s, sqlutil.StatementList{
		{&s.insertRoomAliasStmt, insertRoomAliasSQL},
		{&s.selectRoomIDFromAliasStmt, selectRoomIDFromAliasSQL},
		{&s.selectAliasesFromRoomIDStmt, selectAliasesFromRoomIDSQL},
		{&s.deleteRoomAliasStmt, deleteRoomAliasSQL},
	}.Prepare(db)
}

func (s *roomAliasStatements) InsertRoomAlias(ctx context.Context, txn *sql.Tx, alias, roomID, creatorUserID string) error {
	stmt := sqlutil.TxStmt(txn, s.insertRoomAliasStmt)
	_, err := stmt.ExecContext(ctx, alias, roomID, creatorUserID)
	return err
}

func (s *roomAliasStatements) SelectRoomIDFromAlias(ctx context.Context, txn *sql.Tx, alias string) (string, error) {
	var roomID string
	stmt := sqlutil.TxStmt(txn, s.selectRoomIDFromAliasStmt)
	err := stmt.QueryRowContext(ctx, alias).Scan(&roomID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return roomID, err
}

func (s *roomAliasStatements) SelectAliasesFromRoomID(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectAliasesFromRoomIDStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAliasesFromRoomID: rows.close() failed")

	var aliases []string
	for rows.Next() {
		var alias string
		if err = rows.Scan(&alias); err != nil {
			return nil, err
		}
		aliases = append(aliases, alias)
	}
	return aliases, rows.Err()
}

func (s *roomAliasStatements) DeleteRoomAlias(ctx context.Context, txn *sql.Tx, alias string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteRoomAliasStmt)
	_, err := stmt.ExecContext(ctx, alias)
	return err
}
