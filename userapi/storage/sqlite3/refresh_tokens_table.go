// Copyright 2026 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"time"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/userapi/storage/tables"
)

const refreshTokensSchema = `
CREATE TABLE IF NOT EXISTS userapi_refresh_tokens (
	token_lookup TEXT PRIMARY KEY,
	token_hash TEXT NOT NULL,
	session_id BIGINT NOT NULL,
	expires_at BIGINT NOT NULL,
	used_at BIGINT,
	created_at BIGINT NOT NULL DEFAULT (STRFTIME('%s', 'now') * 1000)
);

CREATE INDEX IF NOT EXISTS userapi_refresh_tokens_session_idx
	ON userapi_refresh_tokens(session_id);

CREATE INDEX IF NOT EXISTS userapi_refresh_tokens_expires_idx
	ON userapi_refresh_tokens(expires_at);
`

const insertRefreshTokenSQL = `
INSERT INTO userapi_refresh_tokens (token_lookup, token_hash, session_id, expires_at, used_at)
VALUES ($1, $2, $3, $4, NULL)
`

const selectRefreshTokenSQL = `
SELECT token_hash, session_id, used_at, expires_at FROM userapi_refresh_tokens
WHERE token_lookup = $1
`

const markRefreshTokenUsedSQL = `
UPDATE userapi_refresh_tokens
SET used_at = $1
WHERE token_lookup = $2 AND token_hash = $3 AND used_at IS NULL
`

const deleteRefreshTokensForSessionSQL = `
DELETE FROM userapi_refresh_tokens WHERE session_id = $1
`

type refreshTokensStatements struct {
	insertStmt        *sql.Stmt
	selectStmt        *sql.Stmt
	markUsedStmt      *sql.Stmt
	deleteForSessStmt *sql.Stmt
}

func NewSQLiteRefreshTokensTable(db *sql.DB) (tables.RefreshTokensTable, error) {
	s := &refreshTokensStatements{}
	if _, err := db.Exec(refreshTokensSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertRefreshTokenSQL},
		{&s.selectStmt, selectRefreshTokenSQL},
		{&s.markUsedStmt, markRefreshTokenUsedSQL},
		{&s.deleteForSessStmt, deleteRefreshTokensForSessionSQL},
	}.Prepare(db)
}

func (s *refreshTokensStatements) InsertRefreshToken(ctx context.Context, txn *sql.Tx, tokenHash, tokenLookup string, sessionID int64, expiresAt time.Time) error {
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	_, err := stmt.ExecContext(ctx, tokenLookup, tokenHash, sessionID, expiresAt.UnixMilli())
	return err
}

func (s *refreshTokensStatements) SelectRefreshToken(ctx context.Context, txn *sql.Tx, tokenLookup string) (string, int64, *time.Time, time.Time, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStmt)
	var tokenHash string
	var sessionID int64
	var usedAt sql.NullInt64
	var expiresAt int64
	err := stmt.QueryRowContext(ctx, tokenLookup).Scan(&tokenHash, &sessionID, &usedAt, &expiresAt)
	if err != nil {
		return "", 0, nil, time.Time{}, err
	}
	var usedAtPtr *time.Time
	if usedAt.Valid {
		t := time.UnixMilli(usedAt.Int64).UTC()
		usedAtPtr = &t
	}
	return tokenHash, sessionID, usedAtPtr, time.UnixMilli(expiresAt).UTC(), nil
}

func (s *refreshTokensStatements) MarkRefreshTokenUsed(ctx context.Context, txn *sql.Tx, tokenLookup, tokenHash string, usedAt time.Time) error {
	stmt := sqlutil.TxStmt(txn, s.markUsedStmt)
	res, err := stmt.ExecContext(ctx, usedAt.UnixMilli(), tokenLookup, tokenHash)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *refreshTokensStatements) DeleteRefreshTokensForSession(ctx context.Context, txn *sql.Tx, sessionID int64) error {
	stmt := sqlutil.TxStmt(txn, s.deleteForSessStmt)
	_, err := stmt.ExecContext(ctx, sessionID)
	return err
}

var _ tables.RefreshTokensTable = (*refreshTokensStatements)(nil)
