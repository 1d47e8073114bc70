// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tables declares the narrow per-table interfaces the postgres and
// sqlite3 storage packages each implement, so roomserver/storage/shared can
// drive either dialect through the same Database struct.
package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/matrixcore/homeserver/roomserver/types"
)

// PartialState tracks rooms joined via a partial-state ("faster") join that
// are still being backfilled
type PartialState interface {
	InsertPartialStateRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, joinEventNID types.EventNID, joinedVia string, serversInRoom []string, deviceListStreamID int64) error
	SelectPartialStateRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (bool, error)
	SelectPartialStateServers(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]string, error)
	SelectAllPartialStateRooms(ctx context.Context, txn *sql.Tx) ([]types.RoomNID, error)
	SelectDeviceListStreamID(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (int64, error)
	DeletePartialStateRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (int64, error)
}

// Rooms interns room IDs and tracks each room's version and current state
// snapshot
type Rooms interface {
	InsertRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion gomatrixserverlib.RoomVersion) (types.RoomNID, error)
	SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error)
	SelectRoomInfoByNID(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (*types.RoomInfo, error)
	UpdateLatestEventNIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventNIDs []types.EventNID, lastEventSentNID types.EventNID, stateSnapshotNID types.StateSnapshotNID) error
	SelectLatestEventNIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]types.EventNID, types.StateSnapshotNID, error)
}

// EventTypes interns event type strings.
type EventTypes interface {
	InsertEventTypeNID(ctx context.Context, txn *sql.Tx, eventType string) (types.EventTypeNID, error)
	SelectEventTypeNID(ctx context.Context, txn *sql.Tx, eventType string) (types.EventTypeNID, error)
}

// EventStateKeys interns state_key strings.
type EventStateKeys interface {
	InsertEventStateKeyNID(ctx context.Context, txn *sql.Tx, eventStateKey string) (types.EventStateKeyNID, error)
	SelectEventStateKeyNID(ctx context.Context, txn *sql.Tx, eventStateKey string) (types.EventStateKeyNID, error)
	BulkSelectEventStateKeyNID(ctx context.Context, txn *sql.Tx, eventStateKeys []string) (map[string]types.EventStateKeyNID, error)
}

// Events stores the append-only event log itself: one row per interned
// event, with its auth event references, depth, and rejected/redaction
// flags. The event JSON is kept in EventJSON.
type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventTypeNID types.EventTypeNID, eventStateKeyNID *types.EventStateKeyNID, eventID string, referenceSHA256 []byte, authEventNIDs []types.EventNID, depth int64, isRejected bool) (types.EventNID, types.StateSnapshotNID, error)
	SelectEvent(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, types.StateSnapshotNID, error)
	BulkSelectEventNID(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventNID, error)
	SelectEventIDsForEventNIDs(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (map[types.EventNID]string, error)
	UpdateEventState(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, stateNID types.StateSnapshotNID) error
	MarkEventRejected(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error
	MarkRedacted(ctx context.Context, txn *sql.Tx, eventID, redactedBecause string) error
	SelectMaxEventDepth(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (int64, error)
	SelectStreamPositionForEvent(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (int64, error)
}

// EventJSON stores the canonical serialised event bytes, kept separate
// from the Events row so large content doesn't bloat index scans.
type EventJSON interface {
	InsertEventJSON(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, eventJSON []byte) error
	SelectEventJSON(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (map[types.EventNID][]byte, error)
}

// PreviousEvents tracks, per prev_event id, which events reference it, so
// the forward-extremity set can be recomputed on append without scanning the
// whole room
type PreviousEvents interface {
	InsertPreviousEvent(ctx context.Context, txn *sql.Tx, previousEventID string, previousEventReferenceSHA256 []byte, eventNID types.EventNID) error
	SelectPreviousEventExists(ctx context.Context, txn *sql.Tx, eventID string) (bool, error)
}

// StateBlock stores one delta block: a set of StateEntry values shared by
// many state snapshots via the delta-chain interning scheme
type StateBlock interface {
	BulkInsertStateData(ctx context.Context, txn *sql.Tx, entries []types.StateEntry) (types.StateBlockNID, error)
	BulkSelectStateBlockEntries(ctx context.Context, txn *sql.Tx, stateBlockNIDs []types.StateBlockNID) ([]types.StateEntryList, error)
}

// StateSnapshot stores one state snapshot as an ordered list of state-block
// NIDs
type StateSnapshot interface {
	InsertState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateBlockNIDs []types.StateBlockNID) (types.StateSnapshotNID, error)
	BulkSelectStateBlockNIDs(ctx context.Context, txn *sql.Tx, stateSnapshotNIDs []types.StateSnapshotNID) ([]types.StateBlockNIDList, error)
}

// RoomAliases maps a room alias to its room ID
type RoomAliases interface {
	InsertRoomAlias(ctx context.Context, txn *sql.Tx, alias, roomID, creatorUserID string) error
	SelectRoomIDFromAlias(ctx context.Context, txn *sql.Tx, alias string) (string, error)
	SelectAliasesFromRoomID(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error)
	DeleteRoomAlias(ctx context.Context, txn *sql.Tx, alias string) error
}

// Redactions tracks which events have been redacted and by what, so reads
// can apply the strip transform idempotently
type Redactions interface {
	InsertRedaction(ctx context.Context, txn *sql.Tx, redactionEventID, redactsEventID string, validated bool) error
	SelectRedactionInfoByEventID(ctx context.Context, txn *sql.Tx, eventID string) (redactionEventID string, redacts string, validated bool, ok bool, err error)
	MarkRedactionValidated(ctx context.Context, txn *sql.Tx, redactionEventID string, validated bool) error
}
