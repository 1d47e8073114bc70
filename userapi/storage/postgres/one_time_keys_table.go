// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/userapi/storage/tables"
)

const oneTimeKeysSchema = `
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
	used BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (user_id, device_id, algorithm)
);
`

const upsertOneTimeKeySQL = `
INSERT INTO userapi_one_time_keys (user_id, device_id, algorithm, key_id, key_json)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, device_id, algorithm, key_id) DO NOTHING
`

const upsertFallbackKeySQL = `
INSERT INTO userapi_fallback_keys (user_id, device_id, algorithm, key_json, used)
VALUES ($1, $2, $3, $4, FALSE)
ON CONFLICT (user_id, device_id, algorithm) DO UPDATE SET key_json = $4, used = FALSE
`

const countOneTimeKeysSQL = `
SELECT algorithm, COUNT(*) FROM userapi_one_time_keys WHERE user_id = $1 AND device_id = $2 GROUP BY algorithm
`

const claimOneTimeKeySQL = `
DELETE FROM userapi_one_time_keys
WHERE (user_id, device_id, algorithm, key_id) = (
	SELECT user_id, device_id, algorithm, key_id FROM userapi_one_time_keys
	WHERE user_id = $1 AND device_id = $2 AND algorithm = $3
	LIMIT 1 FOR UPDATE SKIP LOCKED
)
RETURNING key_id, key_json
`

const claimFallbackKeySQL = `
SELECT key_json FROM userapi_fallback_keys WHERE user_id = $1 AND device_id = $2 AND algorithm = $3
`

const markFallbackKeyUsedSQL = `
UPDATE userapi_fallback_keys SET used = TRUE WHERE user_id = $1 AND device_id = $2 AND algorithm = $3
`

const selectUnusedFallbackAlgorithmsSQL = `
SELECT algorithm FROM userapi_fallback_keys WHERE user_id = $1 AND device_id = $2 AND used = FALSE
`

type oneTimeKeysStatements struct {
	db                        *sql.DB
	upsertStmt                *sql.Stmt
	upsertFallbackStmt        *sql.Stmt
	countStmt                 *sql.Stmt
	claimFallbackStmt         *sql.Stmt
	markFallbackUsedStmt      *sql.Stmt
	selectUnusedFallbackStmt  *sql.Stmt
}

func NewPostgresOneTimeKeysTable(db *sql.DB) (tables.OneTimeKeysTable, error) {
	if _, err := db.Exec(oneTimeKeysSchema); err != nil {
		return nil, err
	}
	s := &oneTimeKeysStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, upsertOneTimeKeySQL},
		{&s.upsertFallbackStmt, upsertFallbackKeySQL},
		{&s.countStmt, countOneTimeKeysSQL},
		{&s.claimFallbackStmt, claimFallbackKeySQL},
		{&s.markFallbackUsedStmt, markFallbackKeyUsedSQL},
		{&s.selectUnusedFallbackStmt, selectUnusedFallbackAlgorithmsSQL},
	}.Prepare(db)
}

func (s *oneTimeKeysStatements) UpsertOneTimeKeys(ctx context.Context, userID, deviceID string, keys map[string]json.RawMessage) (map[string]int, error) {
	for keyIDWithAlgo, keyJSON := range keys {
		algorithm, keyID := splitKeyID(keyIDWithAlgo)
		if _, err := s.upsertStmt.ExecContext(ctx, userID, deviceID, algorithm, keyID, string(keyJSON)); err != nil {
			return nil, err
		}
	}
	return s.CountOneTimeKeys(ctx, userID, deviceID)
}

func (s *oneTimeKeysStatements) UpsertFallbackKey(ctx context.Context, userID, deviceID, algorithm string, keyJSON json.RawMessage) error {
	_, err := s.upsertFallbackStmt.ExecContext(ctx, userID, deviceID, algorithm, string(keyJSON))
	return err
}

func (s *oneTimeKeysStatements) CountOneTimeKeys(ctx context.Context, userID, deviceID string) (map[string]int, error) {
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

func (s *oneTimeKeysStatements) ClaimOneTimeKey(ctx context.Context, userID, deviceID, algorithm string) (string, json.RawMessage, error) {
	var keyID, keyJSON string
	err := s.db.QueryRowContext(ctx, claimOneTimeKeySQL, userID, deviceID, algorithm).Scan(&keyID, &keyJSON)
	if err != nil {
		return "", nil, err
	}
	return keyID, json.RawMessage(keyJSON), nil
}

func (s *oneTimeKeysStatements) ClaimFallbackKey(ctx context.Context, userID, deviceID, algorithm string) (string, json.RawMessage, error) {
	var keyJSON string
	err := s.claimFallbackStmt.QueryRowContext(ctx, userID, deviceID, algorithm).Scan(&keyJSON)
	if err != nil {
		return "", nil, err
	}
	return fallbackKeyID(algorithm), json.RawMessage(keyJSON), nil
}

func (s *oneTimeKeysStatements) MarkFallbackKeyUsed(ctx context.Context, userID, deviceID, algorithm string) error {
	_, err := s.markFallbackUsedStmt.ExecContext(ctx, userID, deviceID, algorithm)
	return err
}

func (s *oneTimeKeysStatements) SelectUnusedFallbackAlgorithms(ctx context.Context, userID, deviceID string) ([]string, error) {
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

// splitKeyID splits a /keys/upload map key of the form "algorithm:key_id"
// into its two parts; the wire format guarantees exactly one colon.
func splitKeyID(algoAndID string) (algorithm, keyID string) {
	for i := 0; i < len(algoAndID); i++ {
		if algoAndID[i] == ':' {
			return algoAndID[:i], algoAndID[i+1:]
		}
	}
	return algoAndID, ""
}

// fallbackKeyID reports the key_id a claimed fallback key is presented
// under; unlike one-time keys, a fallback key isn't deleted on claim, so it
// has no row-specific ID to surface, and clients identify it by algorithm
// and the "fallback: true" marker in its signed JSON instead.
func fallbackKeyID(algorithm string) string {
	return algorithm + "_fallback"
}

var _ tables.OneTimeKeysTable = (*oneTimeKeysStatements)(nil)
