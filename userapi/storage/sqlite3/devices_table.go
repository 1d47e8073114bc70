// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"time"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/userapi/api"
	"github.com/matrixcore/homeserver/userapi/storage/tables"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

const sqliteDevicesSchema = `
CREATE TABLE IF NOT EXISTS userapi_devices (
	session_id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	localpart TEXT NOT NULL,
	server_name TEXT NOT NULL,
	access_token TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	last_seen_ts BIGINT NOT NULL DEFAULT 0,
	last_seen_ip TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS userapi_devices_unique_idx ON userapi_devices(device_id, localpart, server_name);
CREATE UNIQUE INDEX IF NOT EXISTS userapi_devices_access_token_idx ON userapi_devices(access_token);
`

const sqliteInsertDeviceSQL = `
INSERT INTO userapi_devices (device_id, localpart, server_name, access_token, display_name, last_seen_ts, last_seen_ip)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const sqliteSelectDeviceByAccessTokenSQL = `
SELECT session_id, device_id, localpart, server_name, display_name, last_seen_ts, last_seen_ip
FROM userapi_devices WHERE access_token = $1
`

const sqliteSelectDeviceByIDSQL = `
SELECT session_id, access_token, display_name, last_seen_ts, last_seen_ip
FROM userapi_devices WHERE localpart = $1 AND server_name = $2 AND device_id = $3
`

const sqliteSelectDevicesByLocalpartSQL = `
SELECT session_id, device_id, access_token, display_name, last_seen_ts, last_seen_ip
FROM userapi_devices WHERE localpart = $1 AND server_name = $2 AND device_id <> $3
ORDER BY device_id
`

const sqliteUpdateDeviceNameSQL = `
UPDATE userapi_devices SET display_name = $4 WHERE localpart = $1 AND server_name = $2 AND device_id = $3
`

const sqliteUpdateDeviceLastSeenSQL = `
UPDATE userapi_devices SET last_seen_ts = $5, last_seen_ip = $4 WHERE localpart = $1 AND server_name = $2 AND device_id = $3
`

const sqliteDeleteDeviceSQL = `
DELETE FROM userapi_devices WHERE localpart = $1 AND server_name = $2 AND device_id = $3
`

const sqliteCountDevicesByLocalpartSQL = `
SELECT COUNT(*) FROM userapi_devices WHERE localpart = $1 AND server_name = $2
`

const sqliteUpdateDeviceAccessTokenSQL = `
UPDATE userapi_devices SET access_token = $2 WHERE session_id = $1
`

type sqliteDevicesStatements struct {
	insertStmt            *sql.Stmt
	selectByTokenStmt     *sql.Stmt
	selectByIDStmt        *sql.Stmt
	selectByUserStmt      *sql.Stmt
	updateNameStmt        *sql.Stmt
	updateSeenStmt        *sql.Stmt
	updateAccessTokenStmt *sql.Stmt
	deleteStmt            *sql.Stmt
	countStmt             *sql.Stmt
	serverName            spec.ServerName
}

func NewSQLiteDevicesTable(db *sql.DB, server spec.ServerName) (tables.DevicesTable, error) {
	if _, err := db.Exec(sqliteDevicesSchema); err != nil {
		return nil, err
	}
	s := &sqliteDevicesStatements{serverName: server}
	return s, sqlutil.StatementList{
		{&s.insertStmt, sqliteInsertDeviceSQL},
		{&s.selectByTokenStmt, sqliteSelectDeviceByAccessTokenSQL},
		{&s.selectByIDStmt, sqliteSelectDeviceByIDSQL},
		{&s.selectByUserStmt, sqliteSelectDevicesByLocalpartSQL},
		{&s.updateNameStmt, sqliteUpdateDeviceNameSQL},
		{&s.updateSeenStmt, sqliteUpdateDeviceLastSeenSQL},
		{&s.deleteStmt, sqliteDeleteDeviceSQL},
		{&s.countStmt, sqliteCountDevicesByLocalpartSQL},
		{&s.updateAccessTokenStmt, sqliteUpdateDeviceAccessTokenSQL},
	}.Prepare(db)
}

func (s *sqliteDevicesStatements) InsertDevice(ctx context.Context, txn *sql.Tx, deviceID, localpart string, serverName spec.ServerName, accessToken string, displayName *string, ipAddr, userAgent string) (*api.Device, error) {
	name := ""
	if displayName != nil {
		name = *displayName
	}
	now := time.Now().UTC().UnixMilli()
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	res, err := stmt.ExecContext(ctx, deviceID, localpart, string(serverName), accessToken, name, now, ipAddr)
	if err != nil {
		return nil, err
	}
	sessionID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &api.Device{
		ID:          deviceID,
		UserID:      sqliteUserIDFor(localpart, serverName),
		AccessToken: accessToken,
		SessionID:   sessionID,
		DisplayName: name,
		LastSeenTS:  now,
		LastSeenIP:  ipAddr,
	}, nil
}

func (s *sqliteDevicesStatements) SelectDeviceByAccessToken(ctx context.Context, accessToken string) (*api.Device, error) {
	var (
		sessionID             int64
		deviceID, localpart, sn, dn string
		lastSeenTS            int64
		lastSeenIP            string
	)
	err := s.selectByTokenStmt.QueryRowContext(ctx, accessToken).Scan(&sessionID, &deviceID, &localpart, &sn, &dn, &lastSeenTS, &lastSeenIP)
	if err != nil {
		return nil, err
	}
	return &api.Device{
		ID:          deviceID,
		UserID:      sqliteUserIDFor(localpart, spec.ServerName(sn)),
		AccessToken: accessToken,
		SessionID:   sessionID,
		DisplayName: dn,
		LastSeenTS:  lastSeenTS,
		LastSeenIP:  lastSeenIP,
	}, nil
}

func (s *sqliteDevicesStatements) SelectDeviceByID(ctx context.Context, localpart string, serverName spec.ServerName, deviceID string) (*api.Device, error) {
	var (
		sessionID           int64
		accessToken, dn, ip string
		lastSeenTS          int64
	)
	err := s.selectByIDStmt.QueryRowContext(ctx, localpart, string(serverName), deviceID).Scan(&sessionID, &accessToken, &dn, &lastSeenTS, &ip)
	if err != nil {
		return nil, err
	}
	return &api.Device{
		ID:          deviceID,
		UserID:      sqliteUserIDFor(localpart, serverName),
		AccessToken: accessToken,
		SessionID:   sessionID,
		DisplayName: dn,
		LastSeenTS:  lastSeenTS,
		LastSeenIP:  ip,
	}, nil
}

func (s *sqliteDevicesStatements) SelectDevicesByLocalpart(ctx context.Context, localpart string, serverName spec.ServerName, excludeDeviceID string) ([]api.Device, error) {
	rows, err := s.selectByUserStmt.QueryContext(ctx, localpart, string(serverName), excludeDeviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []api.Device
	for rows.Next() {
		var (
			sessionID               int64
			deviceID, token, dn, ip string
			lastSeenTS              int64
		)
		if err := rows.Scan(&sessionID, &deviceID, &token, &dn, &lastSeenTS, &ip); err != nil {
			return nil, err
		}
		devices = append(devices, api.Device{
			ID:          deviceID,
			UserID:      sqliteUserIDFor(localpart, serverName),
			AccessToken: token,
			SessionID:   sessionID,
			DisplayName: dn,
			LastSeenTS:  lastSeenTS,
			LastSeenIP:  ip,
		})
	}
	return devices, rows.Err()
}

func (s *sqliteDevicesStatements) UpdateDeviceName(ctx context.Context, localpart string, serverName spec.ServerName, deviceID string, displayName *string) error {
	name := ""
	if displayName != nil {
		name = *displayName
	}
	_, err := s.updateNameStmt.ExecContext(ctx, localpart, string(serverName), deviceID, name)
	return err
}

func (s *sqliteDevicesStatements) UpdateDeviceLastSeen(ctx context.Context, localpart string, serverName spec.ServerName, deviceID, ipAddr string, lastSeenTS int64) error {
	_, err := s.updateSeenStmt.ExecContext(ctx, localpart, string(serverName), deviceID, ipAddr, lastSeenTS)
	return err
}

func (s *sqliteDevicesStatements) DeleteDevice(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteStmt)
	_, err := stmt.ExecContext(ctx, localpart, string(serverName), deviceID)
	return err
}

func (s *sqliteDevicesStatements) DeleteDevices(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceIDs []string) error {
	for _, id := range deviceIDs {
		if err := s.DeleteDevice(ctx, txn, localpart, serverName, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteDevicesStatements) CountDevicesByLocalpart(ctx context.Context, localpart string, serverName spec.ServerName) (int, error) {
	var count int
	err := s.countStmt.QueryRowContext(ctx, localpart, string(serverName)).Scan(&count)
	return count, err
}

func (s *sqliteDevicesStatements) UpdateDeviceAccessToken(ctx context.Context, txn *sql.Tx, sessionID int64, accessToken string) error {
	stmt := sqlutil.TxStmt(txn, s.updateAccessTokenStmt)
	_, err := stmt.ExecContext(ctx, sessionID, accessToken)
	return err
}

var _ tables.DevicesTable = (*sqliteDevicesStatements)(nil)
