// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

// UpNotificationThreads adds thread grouping to a push-notification table
// this server doesn't create (notification delivery lives in syncapi, not
// here); a no-op whenever userapi_notifications isn't present.
func UpNotificationThreads(ctx context.Context, tx *sql.Tx) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT to_regclass('userapi_notifications') IS NOT NULL`).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check for userapi_notifications: %w", err)
	}
	if !exists {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		ALTER TABLE userapi_notifications
		ADD COLUMN IF NOT EXISTS thread_root_event_id TEXT NOT NULL DEFAULT '';

		CREATE INDEX IF NOT EXISTS userapi_notification_thread_idx
			ON userapi_notifications(localpart, server_name, room_id, thread_root_event_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to execute notification thread upgrade: %w", err)
	}
	return nil
}

func DownNotificationThreads(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DROP INDEX IF EXISTS userapi_notification_thread_idx;

		ALTER TABLE userapi_notifications
		DROP COLUMN IF EXISTS thread_root_event_id;
	`)
	if err != nil {
		return fmt.Errorf("failed to execute notification thread downgrade: %w", err)
	}
	return nil
}
