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
	"github.com/matrixcore/homeserver/userapi/api"
	"github.com/matrixcore/homeserver/userapi/storage/tables"
)

const sqliteDeviceKeysSchema = `
CREATE TABLE IF NOT EXISTS userapi_device_keys (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	key_json TEXT NOT NULL,
	stream_id BIGINT NOT NULL,
	PRIMARY KEY (user_id, device_id)
);
`

const sqliteUpsertDeviceKeysSQL = `
INSERT INTO userapi_device_keys (user_id, device_id, key_json, stream_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, device_id) DO UPDATE SET key_json = $3, stream_id = $4
`

const sqliteSelectDeviceKeysSQL = `
SELECT device_id, key_json, stream_id FROM userapi_device_keys WHERE user_id = $1
`

const sqliteSelectMaxStreamIDForUserSQL = `
SELECT COALESCE(MAX(stream_id), 0) FROM userapi_device_keys WHERE user_id = $1
`

const sqliteDeleteDeviceKeysSQL = `
DELETE FROM userapi_device_keys WHERE user_id = $1 AND device_id = $2
`

type sqliteDeviceKeysStatements struct {
	upsertStmt    *sql.Stmt
	selectAllStmt *sql.Stmt
	selectMaxStmt *sql.Stmt
	deleteStmt    *sql.Stmt
}

func NewSQLiteDeviceKeysTable(db *sql.DB) (tables.DeviceKeysTable, error) {
	if _, err := db.Exec(sqliteDeviceKeysSchema); err != nil {
		return nil, err
	}
	s := &sqliteDeviceKeysStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, sqliteUpsertDeviceKeysSQL},
		{&s.selectAllStmt, sqliteSelectDeviceKeysSQL},
		{&s.selectMaxStmt, sqliteSelectMaxStreamIDForUserSQL},
		{&s.deleteStmt, sqliteDeleteDeviceKeysSQL},
	}.Prepare(db)
}

func (s *sqliteDeviceKeysStatements) UpsertDeviceKeys(ctx context.Context, userID, deviceID string, keyJSON []byte, streamID int64) error {
	_, err := s.upsertStmt.ExecContext(ctx, userID, deviceID, string(keyJSON), streamID)
	return err
}

func (s *sqliteDeviceKeysStatements) SelectDeviceKeys(ctx context.Context, userID string, deviceIDs []string) ([]api.DeviceKeys, error) {
	rows, err := s.selectAllStmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wanted := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		wanted[id] = true
	}

	var results []api.DeviceKeys
	for rows.Next() {
		var (
			deviceID string
			keyJSON  string
			streamID int64
		)
		if err := rows.Scan(&deviceID, &keyJSON, &streamID); err != nil {
			return nil, err
		}
		if len(deviceIDs) > 0 && !wanted[deviceID] {
			continue
		}
		results = append(results, api.DeviceKeys{
			UserID:   userID,
			DeviceID: deviceID,
			KeyJSON:  []byte(keyJSON),
			StreamID: streamID,
		})
	}
	return results, rows.Err()
}

func (s *sqliteDeviceKeysStatements) SelectMaxStreamIDForUser(ctx context.Context, userID string) (int64, error) {
	var max int64
	err := s.selectMaxStmt.QueryRowContext(ctx, userID).Scan(&max)
	return max, err
}

func (s *sqliteDeviceKeysStatements) DeleteDeviceKeys(ctx context.Context, userID, deviceID string) error {
	_, err := s.deleteStmt.ExecContext(ctx, userID, deviceID)
	return err
}

var _ tables.DeviceKeysTable = (*sqliteDeviceKeysStatements)(nil)
