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
	"github.com/matrix-org/gomatrixserverlib/spec"
)

const sqliteProfilesSchema = `
CREATE TABLE IF NOT EXISTS userapi_profiles (
	localpart TEXT NOT NULL,
	server_name TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (localpart, server_name)
);
`

const sqliteInsertProfileSQL = `
INSERT INTO userapi_profiles (localpart, server_name) VALUES ($1, $2)
`

const sqliteSelectProfileByLocalpartSQL = `
SELECT display_name, avatar_url FROM userapi_profiles WHERE localpart = $1 AND server_name = $2
`

const sqliteSetDisplayNameSQL = `
UPDATE userapi_profiles SET display_name = $3 WHERE localpart = $1 AND server_name = $2
`

const sqliteSetAvatarURLSQL = `
UPDATE userapi_profiles SET avatar_url = $3 WHERE localpart = $1 AND server_name = $2
`

type sqliteProfilesStatements struct {
	insertStmt      *sql.Stmt
	selectStmt      *sql.Stmt
	setDisplayStmt  *sql.Stmt
	setAvatarStmt   *sql.Stmt
	serverNoticesLp string
}

func NewSQLiteProfilesTable(db *sql.DB, serverNoticesLocalpart string) (tables.ProfileTable, error) {
	if _, err := db.Exec(sqliteProfilesSchema); err != nil {
		return nil, err
	}
	s := &sqliteProfilesStatements{serverNoticesLp: serverNoticesLocalpart}
	return s, sqlutil.StatementList{
		{&s.insertStmt, sqliteInsertProfileSQL},
		{&s.selectStmt, sqliteSelectProfileByLocalpartSQL},
		{&s.setDisplayStmt, sqliteSetDisplayNameSQL},
		{&s.setAvatarStmt, sqliteSetAvatarURLSQL},
	}.Prepare(db)
}

func (s *sqliteProfilesStatements) InsertProfile(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName) error {
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	_, err := stmt.ExecContext(ctx, localpart, string(serverName))
	return err
}

func (s *sqliteProfilesStatements) SelectProfileByLocalpart(ctx context.Context, localpart string, serverName spec.ServerName) (string, string, error) {
	var displayName, avatarURL string
	err := s.selectStmt.QueryRowContext(ctx, localpart, string(serverName)).Scan(&displayName, &avatarURL)
	return displayName, avatarURL, err
}

func (s *sqliteProfilesStatements) SetDisplayName(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, displayName string) (string, string, error) {
	old, _, err := s.SelectProfileByLocalpart(ctx, localpart, serverName)
	if err != nil {
		return "", "", err
	}
	stmt := sqlutil.TxStmt(txn, s.setDisplayStmt)
	if _, err := stmt.ExecContext(ctx, localpart, string(serverName), displayName); err != nil {
		return "", "", err
	}
	return old, displayName, nil
}

func (s *sqliteProfilesStatements) SetAvatarURL(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, avatarURL string) (string, string, error) {
	_, old, err := s.SelectProfileByLocalpart(ctx, localpart, serverName)
	if err != nil {
		return "", "", err
	}
	stmt := sqlutil.TxStmt(txn, s.setAvatarStmt)
	if _, err := stmt.ExecContext(ctx, localpart, string(serverName), avatarURL); err != nil {
		return "", "", err
	}
	return old, avatarURL, nil
}

var _ tables.ProfileTable = (*sqliteProfilesStatements)(nil)
