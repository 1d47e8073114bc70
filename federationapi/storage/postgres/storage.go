// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"database/sql"
	"fmt"

	// Side-effect import registers the postgres driver with database/sql.
	_ "github.com/lib/pq"

	"github.com/matrixcore/homeserver/federationapi/storage/shared"
)

// Open connects to a postgres federation database and creates every table
// that doesn't already exist.
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	retryStates, err := NewPostgresRetryStateTable(db)
	if err != nil {
		return nil, err
	}
	whitelist, err := NewPostgresWhitelistTable(db)
	if err != nil {
		return nil, err
	}

	return &shared.Database{
		DB:               db,
		RetryStatesTable: retryStates,
		WhitelistTable:   whitelist,
	}, nil
}
