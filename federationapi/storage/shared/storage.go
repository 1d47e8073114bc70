// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package shared implements the Federation Client/Server's storage once
// against the tables.* interfaces, the way roomserver/storage/shared and
// userapi/storage/shared do for their own tables.
package shared

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/federationapi/storage/tables"
	"github.com/matrixcore/homeserver/federationapi/types"
)

// Database is the dialect-agnostic half of the Federation Client/Server's
// storage: per-server retry/backoff state and the federation allow-list.
type Database struct {
	DB               *sql.DB
	RetryStatesTable tables.RetryStateTable
	WhitelistTable   tables.WhitelistTable
}

// GetServerRetryState fetches the recorded failure count and backoff
// expiry for a server, or zero values if it has never failed.
func (d *Database) GetServerRetryState(ctx context.Context, serverName spec.ServerName) (failureCount uint32, retryUntil spec.Timestamp, exists bool, err error) {
	return d.RetryStatesTable.SelectRetryState(ctx, nil, serverName)
}

// SetServerRetryState persists a server's failure count and the time its
// next attempt is permitted.
func (d *Database) SetServerRetryState(ctx context.Context, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error {
	return d.RetryStatesTable.UpsertRetryState(ctx, nil, serverName, failureCount, retryUntil)
}

// GetAllServerRetryStates lists the backoff state of every server that has
// ever failed, used to rehydrate in-memory statistics after a restart.
func (d *Database) GetAllServerRetryStates(ctx context.Context) (map[spec.ServerName]types.RetryState, error) {
	return d.RetryStatesTable.SelectAllRetryStates(ctx, nil)
}

// ClearServerRetryState removes a server's recorded backoff, used once it
// has answered successfully again.
func (d *Database) ClearServerRetryState(ctx context.Context, serverName spec.ServerName) error {
	return d.RetryStatesTable.DeleteRetryState(ctx, nil, serverName)
}

// AddServerToWhitelist adds a server to the federation allow-list.
func (d *Database) AddServerToWhitelist(ctx context.Context, serverName spec.ServerName) error {
	return d.WhitelistTable.InsertWhitelist(ctx, nil, serverName)
}

// IsServerWhitelisted reports whether a server is on the federation
// allow-list; callers only consult this when allow-listing is enabled.
func (d *Database) IsServerWhitelisted(ctx context.Context, serverName spec.ServerName) (bool, error) {
	return d.WhitelistTable.SelectWhitelist(ctx, nil, serverName)
}

// RemoveServerFromWhitelist removes one server from the allow-list.
func (d *Database) RemoveServerFromWhitelist(ctx context.Context, serverName spec.ServerName) error {
	return d.WhitelistTable.DeleteWhitelist(ctx, nil, serverName)
}

// RemoveAllServersFromWhitelist clears the federation allow-list entirely.
func (d *Database) RemoveAllServersFromWhitelist(ctx context.Context) error {
	return d.WhitelistTable.DeleteAllWhitelist(ctx, nil)
}
