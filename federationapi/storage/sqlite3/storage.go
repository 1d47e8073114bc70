// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"database/sql"
	"fmt"

	// Side-effect import registers the sqlite3 driver with database/sql.
	_ "github.com/mattn/go-sqlite3"

	"github.com/matrixcore/homeserver/federationapi/storage/shared"
)

// Open connects to a sqlite3 federation database and creates every table
// that doesn't already exist.
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: open: %w", err)
	}

	retryStates, err := NewSQLiteRetryStateTable(db)
	if err != nil {
		return nil, err
	}
	whitelist, err := NewSQLiteWhitelistTable(db)
	if err != nil {
		return nil, err
	}

	return &shared.Database{
		DB:               db,
		RetryStatesTable: retryStates,
		WhitelistTable:   whitelist,
	}, nil
}
