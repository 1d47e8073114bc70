// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	// Side-effect import registers the postgres driver with database/sql.
	_ "github.com/lib/pq"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/syncapi/storage/postgres/deltas"
	"github.com/matrixcore/homeserver/syncapi/storage/shared"
)

// Open connects to a postgres Sync Engine database, creates every table that
// doesn't already exist, prepares all statements, and applies outstanding
// migrations
func Open(dataSourceName string) (*shared.Database, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: open: %w", err)
	}

	events, err := NewPostgresEventsTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: events table: %w", err)
	}
	currentRoomState, err := NewPostgresCurrentRoomStateTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: current room state table: %w", err)
	}
	invites, err := NewPostgresInvitesTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: invites table: %w", err)
	}
	accountData, err := NewPostgresAccountDataTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: account data table: %w", err)
	}
	sendToDevice, err := NewPostgresSendToDeviceTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: send-to-device table: %w", err)
	}
	topology, err := NewPostgresTopologyTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: topology table: %w", err)
	}
	filter, err := NewPostgresFilterTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: filter table: %w", err)
	}
	ignores, err := NewPostgresIgnoresTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: ignores table: %w", err)
	}
	receipts, err := NewPostgresReceiptsTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: receipts table: %w", err)
	}
	notificationData, err := NewPostgresNotificationDataTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: notification data table: %w", err)
	}
	unPartialStated, err := NewPostgresUnPartialStatedRoomsTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: un-partial-stated rooms table: %w", err)
	}
	slidingSync, err := NewPostgresSlidingSyncTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: sliding sync table: %w", err)
	}
	slidingSyncRoomMeta, err := NewPostgresSlidingSyncRoomMetadataTable(db)
	if err != nil {
		return nil, fmt.Errorf("syncapi/postgres: sliding sync room metadata table: %w", err)
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
			Version: "syncapi: connection receipts",
			Up:      deltas.UpAddConnectionReceipts,
		},
		sqlutil.Migration{
			Version: "syncapi: sliding sync room metadata",
			Up:      deltas.UpCreateSlidingSyncRoomMetadata,
		},
	)
	if err = m.Up(context.Background()); err != nil {
		return nil, fmt.Errorf("syncapi/postgres: migrate: %w", err)
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
