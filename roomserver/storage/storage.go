// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage dispatches to the postgres or sqlite3 Event Store
// implementation by connection string, the way federationapi/storage does
// for its own tables.
package storage

import (
	"fmt"
	"strings"

	"github.com/matrixcore/homeserver/roomserver/storage/postgres"
	"github.com/matrixcore/homeserver/roomserver/storage/shared"
	"github.com/matrixcore/homeserver/roomserver/storage/sqlite3"
)

// RoomDatabase is the Event Store as the rest of the homeserver sees it.
type RoomDatabase = shared.Database

// Open connects to the dialect named by dataSourceName: a "postgres://" or
// "postgresql://" prefix selects postgres; a "file:" prefix, a ".db" suffix
// or ":memory:" selects sqlite3; anything else is an error.
func Open(dataSourceName string) (*RoomDatabase, error) {
	switch {
	case strings.HasPrefix(dataSourceName, "postgres://"), strings.HasPrefix(dataSourceName, "postgresql://"):
		return postgres.Open(dataSourceName)
	case strings.HasPrefix(dataSourceName, "file:"), strings.HasSuffix(dataSourceName, ".db"), dataSourceName == ":memory:":
		return sqlite3.Open(dataSourceName)
	default:
		return nil, fmt.Errorf("storage: unrecognised database connection string %q", dataSourceName)
	}
}
