// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage dispatches to the postgres or sqlite3 Device & Key
// Registry implementation by connection string, one for the account
// database and one for the key database, since the two are configured
// and sized independently.
package storage

import (
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/userapi/storage/postgres"
	"github.com/matrixcore/homeserver/userapi/storage/shared"
	"github.com/matrixcore/homeserver/userapi/storage/sqlite3"
)

// Database is the account/device half of the Device & Key Registry as the
// rest of the homeserver sees it.
type Database = shared.Database

// KeyDatabase is the E2EE half of the Device & Key Registry as the rest of
// the homeserver sees it.
type KeyDatabase = shared.KeyDatabase

// Open connects to the account database named by dataSourceName's scheme
// ("postgres://..." or "file:..."/a bare path for sqlite3).
func Open(dataSourceName string, serverName spec.ServerName, serverNoticesLocalpart string) (*Database, error) {
	switch {
	case strings.HasPrefix(dataSourceName, "postgres://"), strings.HasPrefix(dataSourceName, "postgresql://"):
		return postgres.Open(dataSourceName, serverName, serverNoticesLocalpart)
	case strings.HasPrefix(dataSourceName, "file:"), strings.HasSuffix(dataSourceName, ".db"), dataSourceName == ":memory:":
		return sqlite3.Open(dataSourceName, serverName, serverNoticesLocalpart)
	default:
		return nil, fmt.Errorf("storage: unrecognised database connection string %q", dataSourceName)
	}
}

// OpenKeyDatabase connects to the E2EE key database named by
// dataSourceName's scheme.
func OpenKeyDatabase(dataSourceName string) (*KeyDatabase, error) {
	switch {
	case strings.HasPrefix(dataSourceName, "postgres://"), strings.HasPrefix(dataSourceName, "postgresql://"):
		return postgres.OpenKeyDatabase(dataSourceName)
	case strings.HasPrefix(dataSourceName, "file:"), strings.HasSuffix(dataSourceName, ".db"), dataSourceName == ":memory:":
		return sqlite3.OpenKeyDatabase(dataSourceName)
	default:
		return nil, fmt.Errorf("storage: unrecognised database connection string %q", dataSourceName)
	}
}
