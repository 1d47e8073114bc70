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
	"github.com/matrixcore/homeserver/userapi/storage/tables"
)

const sqliteKeyChangesSchema = `
CREATE TABLE IF NOT EXISTS userapi_key_changes (
	stream_id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL
);
`

const sqliteInsertKeyChangeSQL = `
INSERT INTO userapi_key_changes (user_id) VALUES ($1)
`

const sqliteSelectKeyChangesSQL = `
SELECT DISTINCT user_id FROM userapi_key_changes WHERE stream_id > $1 AND stream_id <= $2
`

type sqliteKeyChangesStatements struct {
	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
}

func NewSQLiteKeyChangesTable(db *sql.DB) (tables.KeyChangesTable, error) {
	if _, err := db.Exec(sqliteKeyChangesSchema); err != nil {
		return nil, err
	}
	s := &sqliteKeyChangesStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStmt, sqliteInsertKeyChangeSQL},
		{&s.selectStmt, sqliteSelectKeyChangesSQL},
	}.Prepare(db)
}

func (s *sqliteKeyChangesStatements) InsertKeyChange(ctx context.Context, userID string) (int64, error) {
	res, err := s.insertStmt.ExecContext(ctx, userID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteKeyChangesStatements) SelectKeyChanges(ctx context.Context, fromStreamID, toStreamID int64) ([]string, error) {
	rows, err := s.selectStmt.QueryContext(ctx, fromStreamID, toStreamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

var _ tables.KeyChangesTable = (*sqliteKeyChangesStatements)(nil)
