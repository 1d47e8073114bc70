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
	"github.com/matrixcore/homeserver/userapi/storage/tables"
)

const keyChangesSchema = `
CREATE SEQUENCE IF NOT EXISTS userapi_key_changes_seq;
CREATE TABLE IF NOT EXISTS userapi_key_changes (
	stream_id BIGINT PRIMARY KEY DEFAULT nextval('userapi_key_changes_seq'),
	user_id TEXT NOT NULL
);
`

const insertKeyChangeSQL = `
INSERT INTO userapi_key_changes (user_id) VALUES ($1) RETURNING stream_id
`

const selectKeyChangesSQL = `
SELECT DISTINCT user_id FROM userapi_key_changes WHERE stream_id > $1 AND stream_id <= $2
`

type keyChangesStatements struct {
	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
}

func NewPostgresKeyChangesTable(db *sql.DB) (tables.KeyChangesTable, error) {
	if _, err := db.Exec(keyChangesSchema); err != nil {
		return nil, err
	}
	s := &keyChangesStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertKeyChangeSQL},
		{&s.selectStmt, selectKeyChangesSQL},
	}.Prepare(db)
}

func (s *keyChangesStatements) InsertKeyChange(ctx context.Context, userID string) (int64, error) {
	var streamID int64
	err := s.insertStmt.QueryRowContext(ctx, userID).Scan(&streamID)
	return streamID, err
}

func (s *keyChangesStatements) SelectKeyChanges(ctx context.Context, fromStreamID, toStreamID int64) ([]string, error) {
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

var _ tables.KeyChangesTable = (*keyChangesStatements)(nil)
