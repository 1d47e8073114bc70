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

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
)

const ignoresSchema = `
CREATE TABLE IF NOT EXISTS syncapi_ignores (
	user_id TEXT NOT NULL PRIMARY KEY,
	ignores_json TEXT NOT NULL
);`

const selectIgnoresSQL = `SELECT ignores_json FROM syncapi_ignores WHERE user_id = $1`

const upsertIgnoresSQL = `
INSERT INTO syncapi_ignores (user_id, ignores_json) VALUES ($1, $2)
  ON CONFLICT (user_id) DO UPDATE SET ignores_json = $2`

type ignoresStatements struct {
	db            *sql.DB
	selectIgnores *sql.Stmt
	upsertIgnores *sql.Stmt
}

func NewSqliteIgnoresTable(db *sql.DB) (tables.Ignores, error) {
	_, err := db.Exec(ignoresSchema)
	if err != nil {
		return nil, err
	}
	s := &ignoresStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.selectIgnores, selectIgnoresSQL},
		{&s.upsertIgnores, upsertIgnoresSQL},
	}.Prepare(db)
}

func (s *ignoresStatements) SelectIgnores(ctx context.Context, txn *sql.Tx, userID string) (*tables.IgnoredUsers, error) {
	var ignoresData []byte
	err := sqlutil.TxStmt(txn, s.selectIgnores).QueryRowContext(ctx, userID).Scan(&ignoresData)
	if err != nil {
		return nil, err
	}
	var ignores tables.IgnoredUsers
	if err = json.Unmarshal(ignoresData, &ignores); err != nil {
		return nil, err
	}
	return &ignores, nil
}

func (s *ignoresStatements) UpsertIgnores(ctx context.Context, txn *sql.Tx, userID string, ignores *tables.IgnoredUsers) error {
	ignoresJSON, err := json.Marshal(ignores)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.upsertIgnores).ExecContext(ctx, userID, ignoresJSON)
	return err
}

var _ tables.Ignores = &ignoresStatements{}
