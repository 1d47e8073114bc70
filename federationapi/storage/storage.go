// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage dispatches to the postgres or sqlite3 Federation
// Client/Server storage implementation by connection string, the way each
// per-service storage package (e.g. userapi/storage) does for its own
// tables.
package storage

import (
	"fmt"
	"strings"

	"github.com/matrixcore/homeserver/federationapi/storage/postgres"
	"github.com/matrixcore/homeserver/federationapi/storage/shared"
	"github.com/matrixcore/homeserver/federationapi/storage/sqlite3"
)

// Database is the Federation Client/Server's retry/backoff and allow-list
// storage as the rest of the homeserver sees it.
type Database = shared.Database

// Open connects to the dialect named by dataSourceName's scheme
// ("postgres://..." or "postgresql://..." for postgres; "file:...", a path
// ending in ".db", or ":memory:" for sqlite3). Anything else is an error.
func Open(dataSourceName string) (*Database, error) {
	switch {
	case strings.HasPrefix(dataSourceName, "postgres://"), strings.HasPrefix(dataSourceName, "postgresql://"):
		return postgres.Open(dataSourceName)
	case strings.HasPrefix(dataSourceName, "file:"), strings.HasSuffix(dataSourceName, ".db"), dataSourceName == ":memory:":
		return sqlite3.Open(dataSourceName)
	default:
		return nil, fmt.Errorf("storage: unrecognised database connection string %q", dataSourceName)
	}
}
