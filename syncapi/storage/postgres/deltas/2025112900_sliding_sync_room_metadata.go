// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

// UpCreateSlidingSyncRoomMetadata creates the cached room metadata tables
// MSC4186 sliding sync reads instead of joining against current state on
// every request
func UpCreateSlidingSyncRoomMetadata(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS syncapi_sliding_sync_rooms_to_recalculate (
    room_id TEXT NOT NULL PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS syncapi_sliding_sync_joined_rooms (
    room_id TEXT NOT NULL PRIMARY KEY,
    event_stream_ordering BIGINT NOT NULL,
    bump_stamp BIGINT,
    room_type TEXT,
    room_name TEXT,
    is_encrypted BOOLEAN DEFAULT FALSE NOT NULL,
    tombstone_successor_room_id TEXT
);

CREATE INDEX IF NOT EXISTS syncapi_sliding_sync_joined_rooms_stream_ordering_idx
    ON syncapi_sliding_sync_joined_rooms(event_stream_ordering DESC);
CREATE INDEX IF NOT EXISTS syncapi_sliding_sync_joined_rooms_room_type_idx
    ON syncapi_sliding_sync_joined_rooms(room_type);
CREATE INDEX IF NOT EXISTS syncapi_sliding_sync_joined_rooms_encrypted_idx
    ON syncapi_sliding_sync_joined_rooms(is_encrypted);

CREATE TABLE IF NOT EXISTS syncapi_sliding_sync_membership_snapshots (
    room_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    sender TEXT NOT NULL,
    membership_event_id TEXT NOT NULL,
    membership TEXT NOT NULL,
    forgotten BOOLEAN DEFAULT FALSE NOT NULL,
    event_stream_ordering BIGINT NOT NULL,
    has_known_state BOOLEAN DEFAULT FALSE NOT NULL,
    room_type TEXT,
    room_name TEXT,
    is_encrypted BOOLEAN DEFAULT FALSE NOT NULL,
    tombstone_successor_room_id TEXT,
    PRIMARY KEY (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS syncapi_sliding_sync_membership_snapshots_user_idx
    ON syncapi_sliding_sync_membership_snapshots(user_id);
CREATE INDEX IF NOT EXISTS syncapi_sliding_sync_membership_snapshots_stream_ordering_idx
    ON syncapi_sliding_sync_membership_snapshots(event_stream_ordering DESC);
CREATE INDEX IF NOT EXISTS syncapi_sliding_sync_membership_snapshots_membership_idx
    ON syncapi_sliding_sync_membership_snapshots(user_id, membership);
CREATE INDEX IF NOT EXISTS syncapi_sliding_sync_membership_snapshots_forgotten_idx
    ON syncapi_sliding_sync_membership_snapshots(user_id, forgotten);
	`)
	if err != nil {
		return fmt.Errorf("failed to create sliding sync room metadata tables: %w", err)
	}
	return nil
}

func DownCreateSlidingSyncRoomMetadata(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DROP TABLE IF EXISTS syncapi_sliding_sync_membership_snapshots;
		DROP TABLE IF EXISTS syncapi_sliding_sync_joined_rooms;
		DROP TABLE IF EXISTS syncapi_sliding_sync_rooms_to_recalculate;
	`)
	if err != nil {
		return fmt.Errorf("failed to drop sliding sync room metadata tables: %w", err)
	}
	return nil
}
