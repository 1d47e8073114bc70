// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/userapi/storage/tables"
)

const sqliteOneTimeKeysSchema = `
CREATE TABLE IF NOT EXISTS userapi_one_time_keys (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	key_id TEXT NOT NULL,
	key_json TEXT NOT NULL,
	PRIMARY KEY (user_id, device_id, algorithm, key_id)
);

CREATE TABLE IF NOT EXISTS userapi_fallback_keys (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	key_json TEXT NOT NULL,
	used BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, device_id, algorithm)
);
`

const sqliteUpsertOneTimeKeySQL = `
INSERT INTO userapi_one_time_keys (user_id, device_id, algorithm, key_id, key_json)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, device_id, algorithm, key_id) DO NOTHING
`

const sqliteUpsertFallbackKeySQL = `
INSERT INTO userapi_fallback_keys (user_id, device_id, algorithm, key_json, used)
VALUES ($1, $2, $3, $4, 0)
ON CONFLICT (user_id, device_id, algorithm) DO UPDATE SET key_json = $4, used = 0
`

const sqliteCountOneTimeKeysSQL = `
SELECT algorithm, COUNT(*) FROM userapi_one_time_keys WHERE user_id = $1 AND device_id = $2 GROUP BY algorithm
`

const sqliteClaimOneTimeKeySQL = `
DELETE FROM userapi_one_time_keys
WHERE rowid = (
	SELECT rowid FROM userapi_one_time_keys
	WHERE user_id = $1 AND device_id = $2 AND algorithm = $3
	LIMIT 1
)
RETURNING key_id, key_json
`

const sqliteClaimFallbackKeySQL = `
SELECT key_json FROM userapi_fallback_keys WHERE user_id = $1 AND device_id = $2 AND algorithm = $3
`

const sqliteMarkFallbackKeyUsedSQL = `
UPDATE userapi_fallback_keys SET used = 1 WHERE user_id = $1 AND device_id = $2 AND algorithm = $3
`

const sqliteSelectUnusedFallbackAlgorithmsSQL = `
SELECT algorithm FROM userapi_fallback_keys WHERE user_id = $1 AND device_id = $2 AND used = 0
`

type sqliteOneTimeKeysStatements struct {
	db                       *sql.DB
	upsertStmt               *sql.Stmt
	upsertFallbackStmt       *sql.Stmt
	countStmt                *sql.Stmt
	claimFallbackStmt        *sql.Stmt
	markFallbackUsedStmt     *sql.Stmt
	selectUnusedFallbackStmt *sql.Stmt
}

func NewSQLiteOneTimeKeysTable(db *sql.DB) (tables.OneTimeKeysTable, error) {
	if _, err := db.Exec(sqliteOneTimeKeysSchema); err != nil {
		return nil, err
	}
	s := &sqliteOneTimeKeysStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, sqliteUpsertOneTimeKeySQL},
		{&s.upsertFallbackStmt, sqliteUpsertFallbackKeySQL},
		{&s.countStmt, sqliteCountOneTimeKeysSQL},
		{&s.claimFallbackStmt, sqliteClaimFallbackKeySQL},
		{&s.markFallbackUsedStmt, sqliteMarkFallbackKeyUsedSQL},
		{&s.selectUnusedFallbackStmt, sqliteSelectUnusedFallbackAlgorithmsSQL},
	}.Prepare(db)
}

func (s *sqliteOneTimeKeysStatements) UpsertOneTimeKeys(ctx context.Context, userID, deviceID string, keys map[string]json.RawMessage) (map[string]int, error) {
	for keyIDWithAlgo, keyJSON := range keys {
		algorithm, keyID := splitKeyID(keyIDWithAlgo)
		if _, err := s.upsertStmt.ExecContext(ctx, userID, deviceID, algorithm, keyID, string(keyJSON)); err != nil {
			return nil, err
		}
	}
	return s.CountOneTimeKeys(ctx, userID, deviceID)
}

func (s *sqliteOneTimeKeysStatements) UpsertFallbackKey(ctx context.Context, userID, deviceID, algorithm string, keyJSON json.RawMessage) error {
	_, err := s.upsertFallbackStmt.ExecContext(ctx, userID, deviceID, algorithm, string(keyJSON))
	return err
}

func (s *sqliteOneTimeKeysStatements) CountOneTimeKeys(ctx context.Context, userID, deviceID string) (map[string]int, error) {
	rows, err := s.countStmt.QueryContext(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var algorithm string
		var count int
		if err := rows.Scan(&algorithm, &count); err != nil {
			return nil, err
		}
		counts[algorithm] = count
	}
	return counts, rows.Err()
}

func (s *sqliteOneTimeKeysStatements) ClaimOneTimeKey(ctx context.Context, userID, deviceID, algorithm string) (string, json.RawMessage, error) {
	var keyID, keyJSON string
	err := s.db.QueryRowContext(ctx, sqliteClaimOneTimeKeySQL, userID, deviceID, algorithm).Scan(&keyID, &keyJSON)
	if err != nil {
		return "", nil, err
	}
	return keyID, json.RawMessage(keyJSON), nil
}

func (s *sqliteOneTimeKeysStatements) ClaimFallbackKey(ctx context.Context, userID, deviceID, algorithm string) (string, json.RawMessage, error) {
	var keyJSON string
	err := s.claimFallbackStmt.QueryRowContext(ctx, userID, deviceID, algorithm).Scan(&keyJSON)
	if err != nil {
		return "", nil, err
	}
	return fallbackKeyID(algorithm), json.RawMessage(keyJSON), nil
}

func (s *sqliteOneTimeKeysStatements) MarkFallbackKeyUsed(ctx context.Context, userID, deviceID, algorithm string) error {
	_, err := s.markFallbackUsedStmt.ExecContext(ctx, userID, deviceID, algorithm)
	return err
}

func (s *sqliteOneTimeKeysStatements) SelectUnusedFallbackAlgorithms(ctx context.Context, userID, deviceID string) ([]string, error) {
	rows, err := s.selectUnusedFallbackStmt.QueryContext(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var algorithms []string
	for rows.Next() {
		var algorithm string
		if err := rows.Scan(&algorithm); err != nil {
			return nil, err
		}
		algorithms = append(algorithms, algorithm)
	}
	return algorithms, rows.Err()
}

func splitKeyID(algoAndID string) (algorithm, keyID string) {
	for i := 0; i < len(algoAndID); i++ {
		if algoAndID[i] == ':' {
			return algoAndID[:i], algoAndID[i+1:]
		}
	}
	return algoAndID, ""
}

func fallbackKeyID(algorithm string) string {
	return algorithm + "_fallback"
}

var _ tables.OneTimeKeysTable = (*sqliteOneTimeKeysStatements)(nil)
