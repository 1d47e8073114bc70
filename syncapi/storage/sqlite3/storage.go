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
	"github.com/matrixcore/homeserver/syncapi/storage/shared"
	"github.com/matrixcore/homeserver/syncapi/storage/sqlite3/deltas"
)

// Open connects to a sqlite3 Sync Engine database, creates every table that
// doesn't already exist, prepares all statements, and applies outstanding
// migrations
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: open: %w", err)
	}

	streamID, err := NewSqliteStreamIDStatements(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: stream id counters: %w", err)
	}

	events, err := NewSqliteEventsTable(db, streamID)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: events table: %w", err)
	}
	currentRoomState, err := NewSqliteCurrentRoomStateTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: current room state table: %w", err)
	}
	invites, err := NewSqliteInvitesTable(db, streamID)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: invites table: %w", err)
	}
	accountData, err := NewSqliteAccountDataTable(db, streamID)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: account data table: %w", err)
	}
	sendToDevice, err := NewSqliteSendToDeviceTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: send-to-device table: %w", err)
	}
	topology, err := NewSqliteTopologyTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: topology table: %w", err)
	}
	filter, err := NewSqliteFilterTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: filter table: %w", err)
	}
	ignores, err := NewSqliteIgnoresTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: ignores table: %w", err)
	}
	receipts, err := NewSqliteReceiptsTable(db, streamID)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: receipts table: %w", err)
	}
	notificationData, err := NewSqliteNotificationDataTable(db, streamID)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: notification data table: %w", err)
	}
	unPartialStated, err := NewSqliteUnPartialStatedRoomsTable(db, streamID)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: un-partial-stated rooms table: %w", err)
	}
	slidingSync, err := NewSqliteSlidingSyncTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: sliding sync table: %w", err)
	}
	slidingSyncRoomMeta, err := NewSqliteSlidingSyncRoomMetadataTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: sliding sync room metadata table: %w", err)
	}

	m := sqlutil.NewMigrator(db)
	m.AddMigrations(
		sqlutil.Migration{
			Version: "syncapi: thread notification data",
			Up:      deltas.UpThreadNotificationData,
		},
		sqlutil.Migration{
			Version: "syncapi: sliding sync tables",
			Up:      deltas.UpCreateSlidingSyncTables,
		},
		sqlutil.Migration{
			Version: "syncapi: sliding sync room metadata",
			Up:      deltas.UpCreateSlidingSyncRoomMetadata,
		},
	)
	if err = m.Up(context.Background()); err != nil {
		return nil, fmt.Errorf("syncapi/sqlite3: migrate: %w", err)
	}

	d := &shared.Database{
		DB:                    db,
		EventsTable:           events,
		CurrentRoomStateTable: currentRoomState,
		InvitesTable:          invites,
		AccountDataTable:      accountData,
		SendToDeviceTable:     sendToDevice,
		TopologyTable:         topology,
		FilterTable:           filter,
		IgnoresTable:          ignores,
		ReceiptTable:          receipts,
		NotificationDataTable: notificationData,
		UnPartialStatedRooms:  unPartialStated,
		SlidingSyncTable:      slidingSync,
		SlidingSyncRoomMeta:   slidingSyncRoomMeta,
	}
	d.Finish()
	return d, nil
}
