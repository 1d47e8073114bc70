// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"

	// Side-effect import registers the sqlite3 driver with database/sql.
	_ "github.com/mattn/go-sqlite3"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/roomserver/storage/shared"
	"github.com/matrixcore/homeserver/roomserver/storage/sqlite3/deltas"
)

// Open connects to a SQLite roomserver database, creates every table that
// doesn't already exist, prepares all statements, and applies outstanding
// migrations, mirroring the postgres package's Open
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: open: %w", err)
	}
	// SQLite only allows one writer at a time; serialise writes through a
	// single connection rather than letting database/sql pool them.
	db.SetMaxOpenConns(1)

	for _, create := range []func(*sql.DB) error{
		CreateRoomsTable,
		CreateEventTypesTable,
		CreateEventStateKeysTable,
		CreateEventsTable,
		CreateEventJSONTable,
		CreateStateBlockTable,
		CreateStateSnapshotTable,
		CreatePreviousEventsTable,
		CreateRoomAliasesTable,
		CreateRedactionsTable,
		CreatePartialStateTable,
	} {
		if err = create(db); err != nil {
			return nil, fmt.Errorf("sqlite3: create table: %w", err)
		}
	}

	rooms, err := PrepareRoomsTable(db)
	if err != nil {
		return nil, err
	}
	eventTypes, err := PrepareEventTypesTable(db)
	if err != nil {
		return nil, err
	}
	eventStateKeys, err := PrepareEventStateKeysTable(db)
	if err != nil {
		return nil, err
	}
	events, err := PrepareEventsTable(db)
	if err != nil {
		return nil, err
	}
	eventJSON, err := PrepareEventJSONTable(db)
	if err != nil {
		return nil, err
	}
	stateBlock, err := PrepareStateBlockTable(db)
	if err != nil {
		return nil, err
	}
	stateSnapshot, err := PrepareStateSnapshotTable(db)
	if err != nil {
		return nil, err
	}
	previousEvents, err := PreparePreviousEventsTable(db)
	if err != nil {
		return nil, err
	}
	roomAliases, err := PrepareRoomAliasesTable(db)
	if err != nil {
		return nil, err
	}
	redactions, err := PrepareRedactionsTable(db)
	if err != nil {
		return nil, err
	}
	partialState, err := PreparePartialStateTable(db)
	if err != nil {
		return nil, err
	}

	m := sqlutil.NewMigrator(db)
	m.AddMigrations(
		sqlutil.Migration{
			Version: "roomserver: normalize room aliases",
			Up:      deltas.UpNormalizeRoomAliases,
		},
		sqlutil.Migration{
			Version: "roomserver: add resync_state_nid to rooms",
			Up:      deltas.UpResyncStateNID,
		},
	)
	if err = m.Up(context.Background()); err != nil {
		return nil, fmt.Errorf("sqlite3: migrate: %w", err)
	}

	return &shared.Database{
		DB:                  db,
		RoomsTable:          rooms,
		EventTypesTable:     eventTypes,
		EventStateKeysTable: eventStateKeys,
		EventsTable:         events,
		EventJSONTable:      eventJSON,
		StateBlockTable:     stateBlock,
		StateSnapshotTable:  stateSnapshot,
		PreviousEventsTable: previousEvents,
		RoomAliasesTable:    roomAliases,
		RedactionsTable:     redactions,
		PartialStateTable:   partialState,
	}, nil
}
