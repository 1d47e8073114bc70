// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tables declares the per-dialect statement sets the federation
// client/server's shared storage layer delegates to.
package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/federationapi/types"
)

// RetryStateTable persists each remote server's current backoff, so restart
// doesn't forget which servers were recently failing.
type RetryStateTable interface {
	UpsertRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error
	SelectRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (failureCount uint32, retryUntil spec.Timestamp, exists bool, err error)
	SelectAllRetryStates(ctx context.Context, txn *sql.Tx) (map[spec.ServerName]types.RetryState, error)
	DeleteRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error
}

// WhitelistTable holds the set of servers federation is restricted to when
// an allow-list deployment mode is configured.
type WhitelistTable interface {
	InsertWhitelist(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error
	SelectWhitelist(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (bool, error)
	DeleteWhitelist(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error
	DeleteAllWhitelist(ctx context.Context, txn *sql.Tx) error
}
